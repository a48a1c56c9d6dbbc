package docsync

import (
	"time"
)

type ByteCount = int64

func mib(count ByteCount) ByteCount {
	return count * 1024 * 1024
}

// ClockFunction returns the current unix millisecond time.
// Injectable for tests.
type ClockFunction func() int64

func nowMs() int64 {
	return time.Now().UnixMilli()
}

type GraphSettings struct {
	// two file origin patches with equal bodies within this window
	// collapse to one during replay
	FileDedupWindow time.Duration

	// parent chain enumeration throws past this many paths
	ParentChainLimit int

	ValueCacheMaxCount int
	ValueCacheMaxBytes ByteCount
}

func DefaultGraphSettings() *GraphSettings {
	return &GraphSettings{
		FileDedupWindow:    3000 * time.Millisecond,
		ParentChainLimit:   1000,
		ValueCacheMaxCount: 100,
		ValueCacheMaxBytes: mib(10),
	}
}

type SessionSettings struct {
	GraphSettings *GraphSettings

	// Clock drives patch id times, wall times and cursor times
	Clock ClockFunction

	CursorTtl         time.Duration
	CursorMaxCount    uint64
	SummaryTextLength int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		GraphSettings:     DefaultGraphSettings(),
		Clock:             nowMs,
		CursorTtl:         60 * time.Second,
		CursorMaxCount:    1024,
		SummaryTextLength: 64,
	}
}
