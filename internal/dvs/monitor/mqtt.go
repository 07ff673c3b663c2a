package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
)

// Publisher sends one message to a broker topic.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// PahoPublisher publishes through an MQTT broker connection.
type PahoPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

// DialMQTT connects to broker (e.g. "tcp://localhost:1883"). The client
// reconnects on its own after the first successful connection.
func DialMQTT(broker, clientID string) (*PahoPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			opsf("mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	opsf("mqtt connected to %s as %s", broker, clientID)
	return &PahoPublisher{client: client, timeout: 250 * time.Millisecond}, nil
}

// Publish sends payload at QoS 0 and waits briefly for the client to
// accept it.
func (p *PahoPublisher) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *PahoPublisher) Close() {
	p.client.Disconnect(250)
}

// MQTTObserver publishes session diagnostics under a topic prefix:
//
//	<prefix>/status             retained StatusChange
//	<prefix>/detection          DetectionSummary per observation
//	<prefix>/detection_failure  DetectionFailure
//	<prefix>/pattern_timeout    PatternTimeout
//	<prefix>/result             retained ResultSummary
type MQTTObserver struct {
	pub    Publisher
	prefix string
}

var _ calibration.Observer = (*MQTTObserver)(nil)

// NewMQTTObserver creates an observer publishing through pub.
func NewMQTTObserver(pub Publisher, prefix string) *MQTTObserver {
	return &MQTTObserver{pub: pub, prefix: prefix}
}

func (o *MQTTObserver) publish(kind string, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		opsf("mqtt: encoding %s: %v", kind, err)
		return
	}
	topic := o.prefix + "/" + kind
	if err := o.pub.Publish(topic, retained, payload); err != nil {
		diagf("mqtt: %v", err)
		return
	}
	tracef("mqtt: published %s (%d bytes)", topic, len(payload))
}

func (o *MQTTObserver) OnStatus(c calibration.StatusChange) { o.publish(MsgStatus, true, c) }

func (o *MQTTObserver) OnDetection(obs calibration.Observation) {
	o.publish(MsgDetection, false, summarizeDetection(obs))
}

func (o *MQTTObserver) OnDetectionFailure(f calibration.DetectionFailure) {
	o.publish(MsgDetectionFailure, false, f)
}

func (o *MQTTObserver) OnPatternTimeout(p calibration.PatternTimeout) {
	o.publish(MsgPatternTimeout, false, p)
}

func (o *MQTTObserver) OnResult(r calibration.Result) { o.publish(MsgResult, true, summarizeResult(r)) }
