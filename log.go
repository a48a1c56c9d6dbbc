package docsync

// Logging convention in the `docsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - weak client token fallback
//     - file mirror write errors
//     - dropped corrupt table lines
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - session init/close, store subscriptions
// V(2):
//     frequent events - e.g. commit, remote apply, file flush, cache eviction -
//     kept terse with bracketed tags

// bracketed tags used in log lines:
// [graph]   patch graph mutations and value computation
// [session] session lifecycle, commit, remote apply
// [fq]      file mirror queue
// [store]   store adapters
// [presence] presence adapters
