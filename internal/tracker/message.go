package tracker

import "strings"

// messageSeparator splits a version name from its description inside a
// commit message. A name never contains a blank line.
const messageSeparator = "\n\n"

// EncodeMessage builds the commit message for a version. The message ends
// with the newline git terminates messages with.
func EncodeMessage(name, description string) string {
	if description == "" {
		return name + "\n"
	}
	return name + messageSeparator + description + "\n"
}

// DecodeMessage inverts EncodeMessage.
func DecodeMessage(message string) (name, description string) {
	message = strings.TrimSuffix(message, "\n")
	name, description, _ = strings.Cut(message, messageSeparator)
	return name, description
}
