package bqstore

import (
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
)

// MetricRow is one performance data point as stored in the metrics table.
type MetricRow struct {
	MetricID  int64     `bigquery:"metric_id"`
	HostID    int64     `bigquery:"host_id"`
	HostName  string    `bigquery:"host_name"`
	ServiceID int64     `bigquery:"service_id"`
	Name      string    `bigquery:"name"`
	Value     float64   `bigquery:"value"`
	Unit      string    `bigquery:"unit"`
	Time      time.Time `bigquery:"time"`
	SourceID  int64     `bigquery:"source_id"`
}

// StatusRow is one host or service check result. ServiceID is 0 for hosts.
type StatusRow struct {
	Kind         string    `bigquery:"kind"`
	HostID       int64     `bigquery:"host_id"`
	HostName     string    `bigquery:"host_name"`
	ServiceID    int64     `bigquery:"service_id"`
	State        int64     `bigquery:"state"`
	StateType    int64     `bigquery:"state_type"`
	Output       string    `bigquery:"output"`
	PerfData     string    `bigquery:"perf_data"`
	Acknowledged bool      `bigquery:"acknowledged"`
	LastCheck    time.Time `bigquery:"last_check"`
	SourceID     int64     `bigquery:"source_id"`
}

const (
	KindHost    = "host"
	KindService = "service"
)

// row is the batch item of the sink: exactly one of its fields is set.
type row struct {
	metric *MetricRow
	status *StatusRow
}

// newRow converts the events the sink stores. It reports false for every
// other event type.
func newRow(ev *types.Event) (*row, bool) {
	src := int64(ev.SourceID)
	switch p := ev.Payload.(type) {
	case *types.Metric:
		return &row{metric: &MetricRow{
			MetricID:  int64(p.MetricID),
			HostID:    int64(p.HostID),
			ServiceID: int64(p.ServiceID),
			Name:      p.Name,
			Value:     p.Value,
			Unit:      p.Unit,
			Time:      p.Time,
			SourceID:  src,
		}}, true
	case *types.HostStatus:
		return &row{status: &StatusRow{
			Kind:         KindHost,
			HostID:       int64(p.HostID),
			State:        int64(p.State),
			StateType:    int64(p.StateType),
			Output:       p.Output,
			Acknowledged: p.Acknowledged,
			LastCheck:    p.LastCheck,
			SourceID:     src,
		}}, true
	case *types.ServiceStatus:
		return &row{status: &StatusRow{
			Kind:         KindService,
			HostID:       int64(p.HostID),
			ServiceID:    int64(p.ServiceID),
			State:        int64(p.State),
			StateType:    int64(p.StateType),
			Output:       p.Output,
			PerfData:     p.PerfData,
			Acknowledged: p.Acknowledged,
			LastCheck:    p.LastCheck,
			SourceID:     src,
		}}, true
	}
	return nil, false
}

func (r *row) labelHost(name string) {
	if r.metric != nil {
		r.metric.HostName = name
	}
	if r.status != nil {
		r.status.HostName = name
	}
}
