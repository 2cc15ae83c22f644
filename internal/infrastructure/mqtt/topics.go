package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for placesd.
//
//	places/system/status/<client_id>   daemon online/offline (retained, LWT)
//	places/sync/<db>/status            last sync result (retained)
//	places/command/sync/<db>           sync requests from other services
const (
	// TopicPrefix is the base for every placesd topic.
	TopicPrefix = "places"

	// TopicPrefixSystem is the base for daemon status topics.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for placesd MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.SyncStatus("places.db") // places/sync/places.db/status
type Topics struct{}

// DaemonStatus returns the retained online/offline topic for one daemon.
//
// Example: places/system/status/placesd
func (Topics) DaemonStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, TopicSegment(clientID))
}

// SyncStatus returns the retained topic carrying the last sync result for
// a database.
//
// Example: places/sync/places.db/status
func (Topics) SyncStatus(database string) string {
	return fmt.Sprintf("%s/sync/%s/status", TopicPrefix, TopicSegment(database))
}

// SyncCommand returns the topic on which sync requests for a database arrive.
//
// Example: places/command/sync/places.db
func (Topics) SyncCommand(database string) string {
	return fmt.Sprintf("%s/command/sync/%s", TopicPrefix, TopicSegment(database))
}

// AllSyncStatus matches every database's sync status topic.
func (Topics) AllSyncStatus() string {
	return TopicPrefix + "/sync/+/status"
}

// AllTopics matches everything published by placesd.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// TopicSegment makes s usable as one topic level. Separators and wildcards
// become underscores; an empty string becomes "_".
//
// Database identities are file paths, so "/srv/places.db" maps to
// "_srv_places.db".
func TopicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}
