package state

import "encoding/json"

func encode(path string, s State) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, &SerializationError{Path: path, Err: err}
	}
	return append(data, '\n'), nil
}

func decode(path string, data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, &SerializationError{Path: path, Err: err}
	}
	if err := s.Validate(); err != nil {
		return State{}, &SerializationError{Path: path, Err: err}
	}
	return s, nil
}
