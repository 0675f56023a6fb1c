package domain

// ChannelID identifies a joined voice room.
type ChannelID string

func ParseChannelID(raw string) (ChannelID, error) {
	if err := validateID(raw); err != nil {
		return "", err
	}
	return ChannelID(raw), nil
}

func (id ChannelID) String() string { return string(id) }
