package ui

import (
	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

// Message types for TUI updates

// SummaryMsg is sent for each summary received on the stream.
type SummaryMsg struct {
	Summary *pb.Summary
}

// ConnectionMsg is sent when the stream connects or disconnects.
type ConnectionMsg struct {
	Connected bool
	URL       string
}

// ErrorMsg is sent when the stream fails.
type ErrorMsg struct {
	Error error
}
