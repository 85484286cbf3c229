// Package tgui provides small helpers for Telegram HTML messages:
//   - Escaping and inline formatting (ParseMode="HTML")
//   - A line-oriented message builder with chat defaults
//   - Rune-safe truncation
package tgui
