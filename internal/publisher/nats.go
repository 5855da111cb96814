// Package publisher pushes cluster snapshots to NATS so downstream
// consumers (arrival estimators, map frontends) see changes as they
// commit.
package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc      *nats.Conn
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("colocation-detector"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type ClusterSnapshot struct {
	ClusterID     int64     `json:"clusterId"`
	RouteID       int64     `json:"routeId"`
	VehicleID     int64     `json:"vehicleId,omitempty"`
	NearestStopID int64     `json:"nearestStopId,omitempty"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	RiderCount    int       `json:"riderCount"`
	AvgSpeedKmh   float64   `json:"avgSpeedKmh"`
	AvgHeadingDeg float64   `json:"avgHeadingDeg"`
	RemainingM    float64   `json:"remainingM"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (p *NATSPublisher) PublishCluster(snap ClusterSnapshot) error {
	subject := fmt.Sprintf("clusters.%d.%d", snap.RouteID, snap.ClusterID)
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}
