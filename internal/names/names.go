// Package names mints the adjective-animal subdomains handed to tunnels that
// did not request a specific one.
package names

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

var adjectives = []string{
	"amber", "brave", "calm", "clever", "crimson", "curious", "dapper",
	"eager", "fuzzy", "gentle", "golden", "happy", "hidden", "jolly",
	"lively", "lucky", "mellow", "misty", "nimble", "polite", "proud",
	"quiet", "rapid", "rustic", "shiny", "silent", "snowy", "sturdy",
	"sunny", "swift", "tidy", "velvet", "wandering", "witty", "zesty",
}

var animals = []string{
	"badger", "beaver", "bison", "crane", "dolphin", "falcon", "ferret",
	"finch", "gecko", "heron", "ibex", "jackal", "koala", "lemur", "lynx",
	"marmot", "meerkat", "mole", "narwhal", "otter", "panda", "pelican",
	"puffin", "quokka", "raven", "salmon", "seal", "sparrow", "stork",
	"tapir", "toucan", "walrus", "weasel", "wombat", "yak",
}

// Random returns an adjective-animal-NNN name. The numeric suffix keeps the
// collision rate low enough that claim retries stay rare.
func Random() string {
	return fmt.Sprintf("%s-%s-%03d",
		adjectives[randIndex(len(adjectives))],
		animals[randIndex(len(animals))],
		randIndex(1000))
}

func randIndex(n int) int {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n))
}
