// Package inline lets a handler suspend on a dependent task and resume with
// its result.
//
// A chain is the stack of suspended routines started by one top-level task.
// Each routine (frame) runs on its own goroutine, but control is handed off
// explicitly: at any moment exactly one of the driver or a single frame of
// the chain is running. A frame suspends by yielding a task (the driver
// fetches it and resumes the frame with the result) or by calling a
// subroutine (a new frame is pushed; the caller resumes with the
// subroutine's return value once it completes). Resumption is therefore
// depth-first and strictly ordered within a chain, while different chains
// are independent.
package inline
