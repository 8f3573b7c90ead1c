// Package periodic is the scheduling core: it repeatedly invokes a
// caller-supplied operation on an interval, detects when the schedule has
// silently stalled (a firing was missed, or a prior run never returned),
// and recovers by force-restarting the timing mechanism.
//
// A Task is composed of four cooperating parts sharing one alarm handle:
//
//   - timer control: arm/pause/resume/reset/clear, serialized under the
//     timer mutex
//   - iteration execution: one operation invocation at a time, serialized
//     under a second, independent mutex
//   - the probe: an on-demand liveness check an external supervisor calls
//     at any frequency
//   - lifecycle: Start/Stop/Dispose with a permanent disposed gate
//
// The two mutexes stay separate on purpose: a probe-triggered reset must be
// able to disarm and rearm the timer without waiting on a long-running
// iteration, while iteration exclusivity must survive timer-state churn.
package periodic
