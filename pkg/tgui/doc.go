// Package tgui holds the text helpers behind chat output: escaping and
// tags for Telegram's HTML parse mode, plus rune-safe truncation and name
// lists shared by every platform.
//
// Values of type H are already escaped and can be concatenated freely.
package tgui
