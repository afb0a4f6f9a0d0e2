package core

// Version is the fleet release reported by /healthz and the server_info metric.
const Version = "1.0.0"
