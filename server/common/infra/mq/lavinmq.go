package mq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// NewConnection dials LavinMQ/RabbitMQ and tags the connection with name so
// it shows up in the broker's management UI.
func NewConnection(url, name string) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if name != "" {
		props.SetClientConnectionName(name)
	}
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
}
