// Package wire implements the multiview wire protocol: the multiplexed
// binary frame batch carried in binary WebSocket messages, and the JSON
// control messages carried in text messages.
//
// This package contains no connection or rendering logic; those concerns
// live in [github.com/zsiec/multiview/internal/transport] and
// [github.com/zsiec/multiview/internal/render].
package wire
