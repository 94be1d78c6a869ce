// Command gateway runs one AgentIM gateway process (spec.md §4.3,
// §4.6): a local daemon that owns a fleet of CLI/SDK agent adapters
// and keeps one outbound connection to the broker alive, reconnecting
// with backoff. Agents are announced to the broker when they are
// started; a reconnect does not re-announce them. Split into a root cobra command plus one file per verb,
// grounded on vanducng-goclaw's cmd/root.go tree.
package main

func main() {
	Execute()
}
