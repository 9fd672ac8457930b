package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes registration progress and results to MQTT:
// {prefix}/progress once per inner iteration, {prefix}/result once per run
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// ResultSummary is the payload of the result topic
type ResultSummary struct {
	Status       string   `json:"status"` // done | failed
	Steps        int      `json:"steps"`
	Solves       int      `json:"solves"`
	Vertices     int      `json:"vertices"`
	Accepted     int      `json:"accepted"`
	MeanDistance float64  `json:"meanDistance"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// NewPublisher creates a publisher. If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "meshfit"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire and forget
		retain:        true, // late subscribers see the latest state
	}
}

// ProgressTopic returns the topic progress messages go to
func (p *Publisher) ProgressTopic() string {
	return fmt.Sprintf("%s/progress", p.publishPrefix)
}

// ResultTopic returns the topic the run summary goes to
func (p *Publisher) ResultTopic() string {
	return fmt.Sprintf("%s/result", p.publishPrefix)
}

// PublishProgress publishes one inner-iteration progress record
func (p *Publisher) PublishProgress(pr Progress) error {
	return p.publish(p.ProgressTopic(), pr)
}

// PublishResult publishes the summary of a finished run
func (p *Publisher) PublishResult(res *Result, steps int) error {
	summary := ResultSummary{
		Status:       "done",
		Steps:        steps,
		Solves:       res.Solves,
		Vertices:     len(res.Mesh.Vertices),
		Accepted:     res.Accepted(),
		MeanDistance: res.MeanDistance(),
		Timestamp:    time.Now().Unix(),
	}
	for _, w := range res.Warnings {
		summary.Warnings = append(summary.Warnings, w.Error())
	}
	if err := p.publish(p.ResultTopic(), summary); err != nil {
		return err
	}
	log.Printf("[MQTT] published result: %d/%d accepted, mean distance %.6f",
		summary.Accepted, summary.Vertices, summary.MeanDistance)
	return nil
}

// PublishFailure publishes a failed-run summary
func (p *Publisher) PublishFailure(runErr error) error {
	return p.publish(p.ResultTopic(), ResultSummary{
		Status:    "failed",
		Error:     runErr.Error(),
		Timestamp: time.Now().Unix(),
	})
}

// ProgressHandler adapts the publisher to Register's WithProgress option.
// Publish errors are logged, never propagated into the registration.
func (p *Publisher) ProgressHandler() func(Progress) {
	return func(pr Progress) {
		if err := p.PublishProgress(pr); err != nil {
			log.Printf("[MQTT] progress step %d iteration %d: %v", pr.Step, pr.Iteration, err)
		}
	}
}

func (p *Publisher) publish(topic string, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
