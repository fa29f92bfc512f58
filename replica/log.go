package replica

// Logging convention in the `replica` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time (infrequent) initialization data that
//     is useful for monitoring
//     this includes:
//     - connect, reconnect and handshake failures
//     - authority violations and dropped messages
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1), V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with ids that can be used to filter
//     - frequent events - e.g. write, tick, merge, apply, forward, ack -
//       which should stay out of the default output
//
// Message prefixes identify the component:
//     [c] connection, [s] scheduler, [d] dispatcher, [o] optimizer,
//     [m] monitor, [reg] registry, [tr] tracker, [sp] session pool
