package mpipe

import "github.com/clusterpipe/mpipe/internal/constants"

// Re-exported tunables, mirrored by the setters on Multiplexer.
const (
	MaxPacketSize = constants.MaxPacketSize
	MaxNodeIndex  = constants.MaxNodeIndex

	DefaultConnectionWaitTimeout  = constants.DefaultConnectionWaitTimeout
	DefaultPingTimeout            = constants.DefaultPingTimeout
	DefaultMaxPingRequests        = constants.DefaultMaxPingRequests
	DefaultReceiveWaitTimeout     = constants.DefaultReceiveWaitTimeout
	DefaultBarrierWaitTimeout     = constants.DefaultBarrierWaitTimeout
	DefaultSendBufferSize         = constants.DefaultSendBufferSize
	DefaultMasterMessageBurstSize = constants.DefaultMasterMessageBurstSize
	DefaultSlaveMessageBurstSize  = constants.DefaultSlaveMessageBurstSize
)
