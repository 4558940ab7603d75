// Package notifier delivers reminder text to a messaging contact.
//
// The Telegram implementation performs one Bot API sendMessage GET per call.
// Outcomes are returned as Result values; transport problems never escape as
// panics and are never retried here. Callers decide what a failure means.
package notifier
