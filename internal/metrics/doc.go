// Package metrics exposes the console's Prometheus collectors.
//
// Collectors live on a private registry served by Handler. A nil *Metrics
// is valid and records nothing, so components can take one unconditionally.
//
//	coven_console_mutation_queue_depth        gauge
//	coven_console_mutations_total             counter{kind,outcome}
//	coven_console_run_probes_total            counter{result}
//	coven_console_pending_exec_approvals      gauge
//	coven_console_gateway_connected           gauge
package metrics
