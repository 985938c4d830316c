package board

// CursorPosition is the last-known pointer position of one user. Cursor
// updates are ephemeral: they live only in memory, last write wins per
// user, and the entry is dropped when the user leaves.
type CursorPosition struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"user_id"`
	UserName string  `json:"user_name"`
	Color    string  `json:"color"`
}

// Participant describes one user connected to a room.
type Participant struct {
	ID       string `json:"id" bson:"user_id"`
	Name     string `json:"name" bson:"user_name"`
	Color    string `json:"color" bson:"user_color"`
	JoinedAt int64  `json:"joined_at" bson:"joined_at"`
	LastSeen int64  `json:"last_seen" bson:"last_seen"`
}
