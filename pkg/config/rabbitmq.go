package config

import (
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

var RabbitMQ *amqp.Connection

// RabbitMQConfigured reports whether RABBITMQ_HOST is set.
func RabbitMQConfigured() bool {
	return os.Getenv("RABBITMQ_HOST") != ""
}

// InitRabbitMQ RabbitMQ with retry logic
func InitRabbitMQ() error {
	url := fmt.Sprintf("amqp://%s:%s@%s:%s/",
		os.Getenv("RABBITMQ_USER"),
		os.Getenv("RABBITMQ_PASSWORD"),
		os.Getenv("RABBITMQ_HOST"),
		os.Getenv("RABBITMQ_PORT"),
	)

	maxRetries := envInt("RABBITMQ_MAX_RETRIES", 10)
	retryDelay := 3 * time.Second

	var conn *amqp.Connection
	var err error

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			RabbitMQ = conn
			log.WithField("host", os.Getenv("RABBITMQ_HOST")).Info("Connected to RabbitMQ")
			return nil
		}

		if i < maxRetries-1 {
			log.WithFields(log.Fields{
				"attempt":  i + 1,
				"max":      maxRetries,
				"error":    err.Error(),
				"retry_in": retryDelay.String(),
			}).Warn("Failed to connect to RabbitMQ, retrying")
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// CloseRabbitMQ closes the shared connection if open.
func CloseRabbitMQ() {
	if RabbitMQ != nil && !RabbitMQ.IsClosed() {
		if err := RabbitMQ.Close(); err != nil {
			log.WithField("error", err.Error()).Warn("Failed to close RabbitMQ connection")
		}
	}
}

// PurgeQueue removes all messages from a queue without deleting the queue itself
func PurgeQueue(queueName string) (int, error) {
	if RabbitMQ == nil {
		return 0, fmt.Errorf("RabbitMQ connection not initialized")
	}

	ch, err := RabbitMQ.Channel()
	if err != nil {
		return 0, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	n, err := ch.QueuePurge(
		queueName, // queue name
		false,     // noWait
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", queueName, err)
	}

	log.WithFields(log.Fields{"queue": queueName, "messages": n}).Info("Purged RabbitMQ queue")
	return n, nil
}
