// Package schedule evaluates recurring time schedules.
//
// Three schedule kinds are supported:
//   - Crontab: classic five-field cron specs ("30 4 1,15 * *"), including the
//     random single pick "~" and list stepping ("30-45/3").
//   - Every: a fixed interval anchored at an instant ("every 1h").
//   - Descriptor: robfig/cron descriptors ("@daily", "@hourly", ...).
//
// Next-occurrence search is a forward scan, one minute at a time. Calls are
// infrequent (once per periodic task completion), so correctness wins over
// cleverness here.
package schedule
