// Package mail implements the asynchronous email queue: the Enqueuer that
// records outbound mail, the Dispatcher that claims due items and delivers them
// through a Transport (SMTP, Amazon SES or SendGrid), and the Scheduler that
// triggers dispatch cycles on a timer.
//
// Delivery is at-least-once. Concurrent dispatch cycles coordinate only through
// the Store's atomic claim.
package mail
