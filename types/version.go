package types

// Version is the canonical version of the traceline module and the
// tracelined service binary. Client and service report it in hello
// frames and telemetry records so mixed deployments are visible in
// stream logs.
const Version = "0.1.0"
