// Package seed produces the initial tasks of a crawl and re-runs that
// generator on a schedule.
//
// Schedules accept cron expressions ("*/5 * * * *", "@hourly", "@every 1h"),
// Go durations ("55m") and HH:MM intervals ("02:30").
package seed
