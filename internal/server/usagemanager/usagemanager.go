package usagemanager

import (
	"errors"
)

// ChannelUsage is the traffic a channel has seen across all connections. Used both as a running total and as a
// delta to be added to one.
type ChannelUsage struct {
	ChannelID uint32

	PacketsReceived  int64
	BytesReceived    int64
	PacketsSent      int64
	BytesSent        int64
	PacketsDelivered int64

	// unix seconds
	LastActive int64
}

func (u ChannelUsage) isZero() bool {
	return u.PacketsReceived == 0 && u.PacketsSent == 0 && u.PacketsDelivered == 0
}

var ErrChannelNotFound = errors.New("no usage recorded for channel")

type UsageManager interface {
	// RecordUsage adds each delta to the channel's running total
	RecordUsage([]ChannelUsage) error
	ListAllChannels() ([]ChannelUsage, error)
	GetChannelUsage(channelID uint32) (ChannelUsage, error)
	DeleteChannel(channelID uint32) error
	Close() error
}
