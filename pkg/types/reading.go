package types

import (
	"time"
)

// Reading is a single scalar observation flattened out of a JSON payload.
// Key is always Namespace + "/" + Field.
type Reading struct {
	Namespace string
	Field     string
	Key       string
	Value     float64
}

// NewReading builds a Reading and derives its Key.
func NewReading(namespace, field string, value float64) Reading {
	return Reading{
		Namespace: namespace,
		Field:     field,
		Key:       namespace + "/" + field,
		Value:     value,
	}
}

// DeliveryOutcome records the result of handing one Reading to one sink.
// Outcomes are independent; there is no aggregate commit for a message.
type DeliveryOutcome struct {
	Reading  Reading
	Sink     string
	Response string
	Err      error
	Latency  time.Duration
}

// OK reports whether the delivery succeeded.
func (o DeliveryOutcome) OK() bool {
	return o.Err == nil
}

// Measurement is the archival form of a Reading, carrying the context of the
// message it came from. It is the row type for BigQuery and the line type for
// the GCS archive and the Pub/Sub mirror.
type Measurement struct {
	Key        string    `json:"key" bigquery:"key"`
	Namespace  string    `json:"namespace" bigquery:"namespace"`
	Field      string    `json:"field" bigquery:"field"`
	Value      float64   `json:"value" bigquery:"value"`
	Topic      string    `json:"topic" bigquery:"topic"`
	MessageID  string    `json:"message_id" bigquery:"message_id"`
	ObservedAt time.Time `json:"observed_at" bigquery:"observed_at"`
}

// NewMeasurement combines a Reading with the originating event.
func NewMeasurement(r Reading, ev Event) Measurement {
	observed := ev.ReceivedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	return Measurement{
		Key:        r.Key,
		Namespace:  r.Namespace,
		Field:      r.Field,
		Value:      r.Value,
		Topic:      ev.Topic,
		MessageID:  ev.MessageID,
		ObservedAt: observed,
	}
}

// LatestReading is what the readings cache keeps per key.
type LatestReading struct {
	Key       string    `json:"key" firestore:"key"`
	Value     float64   `json:"value" firestore:"value"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`
}
