/*
Package msgspool documents the msgspool module.

This module is daemon-first and ships the spoold command, a durable
store-and-forward spool for MQTT-style publishers: messages are
persisted before publish and only removed once the broker confirms
them, surviving process restarts and connection loss.

	go install github.com/nuetzliches/msgspool/cmd/spoold@latest

Most implementation packages in this repository are internal and are not a
stable public Go API. internal/spool is the one package other Go programs
embedding the spool (rather than running spoold) are expected to import.
*/
package msgspool
