// Package events publishes delivery outcomes of the mail queue to structured
// logs and Kafka.
package events
