package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() EventType
}

// Built-in event types.
var (
	TypeHostConfig    = MakeType(CategoryNeb, 12)
	TypeHostStatus    = MakeType(CategoryNeb, 14)
	TypeConfigChange  = MakeType(CategoryNeb, 17)
	TypeServiceStatus = MakeType(CategoryNeb, 24)
	TypeMetric        = MakeType(CategoryStorage, 1)
	TypeBAStatus      = MakeType(CategoryBam, 1)
	TypeExtCommand    = MakeType(CategoryExtcmd, 1)
	TypeProtobuf      = MakeType(CategoryInternal, 2)
)

// HostConfig announces a monitored host. The broker keeps these in its
// metadata cache so that sinks can label rows with host names.
type HostConfig struct {
	HostID  uint64 `json:"host_id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Enabled bool   `json:"enabled"`
}

func (*HostConfig) EventType() EventType { return TypeHostConfig }

// HostStatus is the result of a host check.
type HostStatus struct {
	HostID       uint64    `json:"host_id"`
	State        int       `json:"state"`
	StateType    int       `json:"state_type"`
	Output       string    `json:"output,omitempty"`
	Acknowledged bool      `json:"acknowledged,omitempty"`
	LastCheck    time.Time `json:"last_check"`
}

func (*HostStatus) EventType() EventType { return TypeHostStatus }

// ServiceStatus is the result of a service check.
type ServiceStatus struct {
	HostID       uint64    `json:"host_id"`
	ServiceID    uint64    `json:"service_id"`
	State        int       `json:"state"`
	StateType    int       `json:"state_type"`
	Output       string    `json:"output,omitempty"`
	PerfData     string    `json:"perf_data,omitempty"`
	Acknowledged bool      `json:"acknowledged,omitempty"`
	LastCheck    time.Time `json:"last_check"`
}

func (*ServiceStatus) EventType() EventType { return TypeServiceStatus }

// ConfigChange signals that a poller instance reloaded its configuration.
type ConfigChange struct {
	InstanceID uint32    `json:"instance_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version,omitempty"`
	Time       time.Time `json:"time"`
}

func (*ConfigChange) EventType() EventType { return TypeConfigChange }

// Metric is one performance data point.
type Metric struct {
	MetricID  uint64    `json:"metric_id"`
	HostID    uint64    `json:"host_id"`
	ServiceID uint64    `json:"service_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Time      time.Time `json:"time"`
}

func (*Metric) EventType() EventType { return TypeMetric }

// BAStatus is the computed state of a business activity.
type BAStatus struct {
	BAID       uint64    `json:"ba_id"`
	State      int       `json:"state"`
	Level      float64   `json:"level"`
	InDowntime bool      `json:"in_downtime,omitempty"`
	Time       time.Time `json:"time"`
}

func (*BAStatus) EventType() EventType { return TypeBAStatus }

// ExtCommand carries an external command towards a poller.
type ExtCommand struct {
	Command string `json:"command"`
}

func (*ExtCommand) EventType() EventType { return TypeExtCommand }

// Protobuf embeds an arbitrary protobuf message. The concrete event type is
// carried alongside the message so several protobuf schemas can share the
// variant; see RegisterProtobuf.
type Protobuf struct {
	Type    EventType
	Message *anypb.Any
}

func (p *Protobuf) EventType() EventType {
	if p.Type == 0 {
		return TypeProtobuf
	}
	return p.Type
}

// NewProtobuf wraps msg into a payload of the given type.
func NewProtobuf(t EventType, msg proto.Message) (*Protobuf, error) {
	anyMsg, err := anypb.New(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap protobuf message: %w", err)
	}
	return &Protobuf{Type: t, Message: anyMsg}, nil
}
