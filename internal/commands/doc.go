// Package commands holds the chat commands and callbacks of the economy:
// /grant schedules item grants through the selection flow, /tasks reports
// scheduler state and /holdings lists what a character owns.
package commands
