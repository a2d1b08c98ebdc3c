// Package tgui holds small Telegram UI helpers: an HTML-escaping message
// builder, inline keyboards and the "prefix:action:arg..." callback data
// codec.
package tgui
