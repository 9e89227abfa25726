package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTPut    CommandType = iota // Insert or replace a definition.
	CommandTDelete                    // Remove a definition.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTPut:
		return "Put"
	case CommandTDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// RetCode is stored in the result of every applied entry.
type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCNotFound                        // 3: The map was not defined.
)

// Command represents a single entry in the raft log.
type Command struct {
	Type       CommandType
	Name       string
	Definition []byte
}

const headerSize = 1 + 4

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return headerSize + len(command.Name) + len(command.Definition)
}

// Serialize encodes the command, see the package documentation for the layout.
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint32(result[1:5], uint32(len(command.Name)))
	copy(result[headerSize:], command.Name)
	copy(result[headerSize+len(command.Name):], command.Definition)
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}
	command.Type = CommandType(data[0])
	nameLen := int(binary.BigEndian.Uint32(data[1:5]))
	if len(data) < headerSize+nameLen {
		return fmt.Errorf("data too short for name of length %d", nameLen)
	}
	command.Name = string(data[headerSize : headerSize+nameLen])
	if rest := data[headerSize+nameLen:]; len(rest) > 0 {
		command.Definition = append(command.Definition[:0], rest...)
	} else {
		command.Definition = nil
	}
	return nil
}
