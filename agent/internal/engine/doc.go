// Package engine runs the per-condition cycle and schedules it.
//
// monitor.go provides Monitor.Cycle: sample the source, evaluate the
// verdict, pass a violating verdict through the cooldown gate to the
// notifier, then export the cycle's state. A cycle never returns an error
// to its caller; failures are logged and reflected in the Report and the
// exported health flags.
//
// health.go tracks each source's recent availability (uptime ratio and the
// current streak of unavailable samples). After SourceDownAfter consecutive
// unavailable samples the outage is itself notified under the derived
// condition ID "<id>:source_down", with its own suppression record.
//
// scheduler.go runs monitors as a daemon (Run) or once each (RunOnce).
package engine
