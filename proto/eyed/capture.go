// Package eyed holds the capture wire types, maintained by hand against
// capture.proto. The structs carry protobuf struct tags so the runtime can
// derive descriptors; keep field numbers in sync with the .proto file.
package eyed

import "fmt"

// CaptureFrame is one JPEG-encoded eye frame from a capture device.
type CaptureFrame struct {
	JpegData     []byte  `protobuf:"bytes,1,opt,name=jpeg_data,json=jpegData,proto3" json:"jpeg_data,omitempty"`
	QualityScore float32 `protobuf:"fixed32,2,opt,name=quality_score,json=qualityScore,proto3" json:"quality_score,omitempty"`
	TimestampUs  uint64  `protobuf:"varint,3,opt,name=timestamp_us,json=timestampUs,proto3" json:"timestamp_us,omitempty"`
	FrameId      uint32  `protobuf:"varint,4,opt,name=frame_id,json=frameId,proto3" json:"frame_id,omitempty"`
	DeviceId     string  `protobuf:"bytes,5,opt,name=device_id,json=deviceId,proto3" json:"device_id,omitempty"`
	EyeSide      string  `protobuf:"bytes,6,opt,name=eye_side,json=eyeSide,proto3" json:"eye_side,omitempty"`
	IsNir        bool    `protobuf:"varint,7,opt,name=is_nir,json=isNir,proto3" json:"is_nir,omitempty"`
}

func (m *CaptureFrame) Reset()         { *m = CaptureFrame{} }
func (m *CaptureFrame) String() string { return fmt.Sprintf("%+v", *m) }
func (*CaptureFrame) ProtoMessage()    {}

func (m *CaptureFrame) GetJpegData() []byte {
	if m != nil {
		return m.JpegData
	}
	return nil
}

func (m *CaptureFrame) GetQualityScore() float32 {
	if m != nil {
		return m.QualityScore
	}
	return 0
}

func (m *CaptureFrame) GetTimestampUs() uint64 {
	if m != nil {
		return m.TimestampUs
	}
	return 0
}

func (m *CaptureFrame) GetFrameId() uint32 {
	if m != nil {
		return m.FrameId
	}
	return 0
}

func (m *CaptureFrame) GetDeviceId() string {
	if m != nil {
		return m.DeviceId
	}
	return ""
}

func (m *CaptureFrame) GetEyeSide() string {
	if m != nil {
		return m.EyeSide
	}
	return ""
}

func (m *CaptureFrame) GetIsNir() bool {
	if m != nil {
		return m.IsNir
	}
	return false
}

// FrameAck answers one CaptureFrame. Accepted=false is backpressure, not an
// error; QueueDepth lets the agent throttle proportionally.
type FrameAck struct {
	FrameId    uint32 `protobuf:"varint,1,opt,name=frame_id,json=frameId,proto3" json:"frame_id,omitempty"`
	Accepted   bool   `protobuf:"varint,2,opt,name=accepted,proto3" json:"accepted,omitempty"`
	QueueDepth uint32 `protobuf:"varint,3,opt,name=queue_depth,json=queueDepth,proto3" json:"queue_depth,omitempty"`
}

func (m *FrameAck) Reset()         { *m = FrameAck{} }
func (m *FrameAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*FrameAck) ProtoMessage()    {}

func (m *FrameAck) GetFrameId() uint32 {
	if m != nil {
		return m.FrameId
	}
	return 0
}

func (m *FrameAck) GetAccepted() bool {
	if m != nil {
		return m.Accepted
	}
	return false
}

func (m *FrameAck) GetQueueDepth() uint32 {
	if m != nil {
		return m.QueueDepth
	}
	return 0
}

// Empty is the zero-field request message.
type Empty struct{}

func (m *Empty) Reset()         { *m = Empty{} }
func (m *Empty) String() string { return "{}" }
func (*Empty) ProtoMessage()    {}

// ServerStatus reports gateway ingest health.
type ServerStatus struct {
	Alive            bool    `protobuf:"varint,1,opt,name=alive,proto3" json:"alive,omitempty"`
	Ready            bool    `protobuf:"varint,2,opt,name=ready,proto3" json:"ready,omitempty"`
	ConnectedDevices uint32  `protobuf:"varint,3,opt,name=connected_devices,json=connectedDevices,proto3" json:"connected_devices,omitempty"`
	AvgLatencyMs     float32 `protobuf:"fixed32,4,opt,name=avg_latency_ms,json=avgLatencyMs,proto3" json:"avg_latency_ms,omitempty"`
	FramesProcessed  uint64  `protobuf:"varint,5,opt,name=frames_processed,json=framesProcessed,proto3" json:"frames_processed,omitempty"`
	BreakerState     string  `protobuf:"bytes,6,opt,name=breaker_state,json=breakerState,proto3" json:"breaker_state,omitempty"`
}

func (m *ServerStatus) Reset()         { *m = ServerStatus{} }
func (m *ServerStatus) String() string { return fmt.Sprintf("%+v", *m) }
func (*ServerStatus) ProtoMessage()    {}

func (m *ServerStatus) GetAlive() bool {
	if m != nil {
		return m.Alive
	}
	return false
}

func (m *ServerStatus) GetReady() bool {
	if m != nil {
		return m.Ready
	}
	return false
}

func (m *ServerStatus) GetConnectedDevices() uint32 {
	if m != nil {
		return m.ConnectedDevices
	}
	return 0
}

func (m *ServerStatus) GetAvgLatencyMs() float32 {
	if m != nil {
		return m.AvgLatencyMs
	}
	return 0
}

func (m *ServerStatus) GetFramesProcessed() uint64 {
	if m != nil {
		return m.FramesProcessed
	}
	return 0
}

func (m *ServerStatus) GetBreakerState() string {
	if m != nil {
		return m.BreakerState
	}
	return ""
}
