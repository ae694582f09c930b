// Package setup implements guided agent creation.
//
// Creating an agent is two remote steps: create the bare agent, then apply
// its guided setup (workspace files, tool profile, exec policy). When the
// second step fails the agent is kept and the setup is recorded as pending,
// in memory and in the store, so it can be retried without re-creating the
// agent.
//
// Pending setups are retried automatically at most once per agent per
// console session, once the console is connected, the fleet for the same
// gateway has loaded, and no create mutation is in progress. Disconnect-like
// failures are retried on a later pass without telling the operator. Manual
// retries ignore the once-per-session rule and always report failures.
package setup
