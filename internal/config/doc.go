// Package config loads deckfold settings.
//
// Values are layered, later layers overriding earlier ones:
//
//  1. built-in defaults (Default)
//  2. a config file, TOML or YAML chosen by extension
//  3. DECKFOLD_* environment variables, with "__" separating the section
//     from the key (DECKFOLD_SESSION__DEBOUNCE=100ms sets session.debounce)
//
// LOG_FILE and LOG_LEVEL are honoured when the corresponding DECKFOLD_LOG__*
// variable is not set.
//
// A file looks like:
//
//	[analyzer]
//	codec = "msgpack"
//
//	[session]
//	debounce = "50ms"
//	outbox = 16
//
//	[process]
//	grace_period = "2s"
//
//	[log]
//	level = "info"
//	file = "/tmp/deckfold.log"
//
// Watcher reloads the file when it changes and hands the new Config to its
// subscribers.
package config
