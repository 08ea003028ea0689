package orchestration

import "time"

// HealthOK is the only status a running mediator reports.
const HealthOK = "ok"

// Health is the passive health-check answer.
type Health struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health reports the service as up.
func (r *Reporter) Health(service, version string) Health {
	return Health{
		Status:    HealthOK,
		Service:   service,
		Version:   version,
		Timestamp: r.now().UTC(),
	}
}
