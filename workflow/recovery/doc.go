/*
Package recovery classifies failed node executions and decides how the
executor recovers from them.

An ErrorContext is classified into a category, a classification
(transient / permanent / unknown) and a severity, primarily from its
structured Code and otherwise from substrings of its type and message.
The Policy then returns a Decision: retry (with exponential backoff and
additive jitter), skip, escalate or abort. Critical severity always aborts.
*/
package recovery
