// Package spider runs crawl tasks: it pulls them from a queue, fetches their
// requests, validates the responses, retries network failures and dispatches
// results to registered handlers.
//
// Handlers are looked up in this order: a task's Callback, the handler
// registered under the task name, then the inline handler registered under
// that name. Inline handlers may wait for the results of tasks they yield;
// those dependent tasks are routed back to the waiting handler instead of
// being dispatched by name.
package spider
