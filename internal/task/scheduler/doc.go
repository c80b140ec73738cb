// Package scheduler turns cron specs into recurring triggers (robfig/cron).
//
// The scheduler only registers schedules and computes trigger times. When an
// entry fires, the job is enqueued into the task engine which runs it.
package scheduler
