package durable

// Document models shared by the hot tier (JSON shape) and the durable tier
// (BSON shape). Timestamps are epoch milliseconds throughout so the two
// shapes round-trip without canonicalisation loss.

// MessageType discriminates the message payload variants.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	MessageTypeAI     MessageType = "ai"
)

// UserSnapshot is the denormalised sender/participant copy embedded in
// rooms and messages.
type UserSnapshot struct {
	ID           string `json:"_id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Email        string `json:"email,omitempty" bson:"email,omitempty"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
}

// FileDescriptor is present exactly when a message has type "file".
type FileDescriptor struct {
	Filename     string `json:"filename" bson:"filename"`
	OriginalName string `json:"originalname" bson:"originalname"`
	MimeType     string `json:"mimetype" bson:"mimetype"`
	Size         int64  `json:"size" bson:"size"`
	S3Key        string `json:"s3Key" bson:"s3Key"`
	S3Bucket     string `json:"s3Bucket" bson:"s3Bucket"`
	S3URL        string `json:"s3Url" bson:"s3Url"`
	UploadedAt   int64  `json:"uploadedAt" bson:"uploadedAt"`
}

// Reader records one user's read receipt for a message.
type Reader struct {
	UserID string `json:"userId" bson:"userId"`
	ReadAt int64  `json:"readAt" bson:"readAt"`
}

// Message is the chat message document. Readers are unique on UserID and
// each reactions bucket is unique on user id.
type Message struct {
	ID        string                 `json:"_id" bson:"_id"`
	Room      string                 `json:"room" bson:"room"`
	Sender    UserSnapshot           `json:"sender" bson:"sender"`
	Type      MessageType            `json:"type" bson:"type"`
	Content   string                 `json:"content" bson:"content"`
	File      *FileDescriptor        `json:"file,omitempty" bson:"file,omitempty"`
	AIType    string                 `json:"aiType,omitempty" bson:"aiType,omitempty"`
	Mentions  []string               `json:"mentions,omitempty" bson:"mentions,omitempty"`
	Timestamp int64                  `json:"timestamp" bson:"timestamp"`
	Readers   []Reader               `json:"readers" bson:"readers"`
	Reactions map[string][]string    `json:"reactions" bson:"reactions"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	IsDeleted bool                   `json:"isDeleted" bson:"isDeleted"`
	DeletedAt int64                  `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`

	InstanceID string `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
	CreatedAt  int64  `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`

	ReplicatedFrom string `json:"replicatedFrom,omitempty" bson:"replicatedFrom,omitempty"`
	ReplicatedAt   int64  `json:"replicatedAt,omitempty" bson:"replicatedAt,omitempty"`
	LastModifiedBy string `json:"lastModifiedBy,omitempty" bson:"lastModifiedBy,omitempty"`
	LastModifiedAt int64  `json:"lastModifiedAt,omitempty" bson:"lastModifiedAt,omitempty"`
}

// HasReader reports whether the user already has a read receipt.
func (m *Message) HasReader(userID string) bool {
	for _, reader := range m.Readers {
		if reader.UserID == userID {
			return true
		}
	}
	return false
}

// ReactionUsers returns the user set for an emoji, nil when absent.
func (m *Message) ReactionUsers(emoji string) []string {
	if m.Reactions == nil {
		return nil
	}
	return m.Reactions[emoji]
}

// Room is the chat room document. The creator is always a participant and
// participant ids are unique.
type Room struct {
	ID                string         `json:"_id" bson:"_id"`
	Name              string         `json:"name" bson:"name"`
	Creator           UserSnapshot   `json:"creator" bson:"creator"`
	Participants      []UserSnapshot `json:"participants" bson:"participants"`
	HasPassword       bool           `json:"hasPassword" bson:"hasPassword"`
	Password          string         `json:"password,omitempty" bson:"password,omitempty"`
	ParticipantsCount int            `json:"participantsCount" bson:"participantsCount"`
	CreatedAt         int64          `json:"createdAt" bson:"createdAt"`

	InstanceID string `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
}

// HasParticipant reports whether the user id is in the participant set.
func (r *Room) HasParticipant(userID string) bool {
	for _, participant := range r.Participants {
		if participant.ID == userID {
			return true
		}
	}
	return false
}

// WithoutPassword returns a copy safe for responses.
func (r Room) WithoutPassword() Room {
	r.Password = ""
	return r
}

// User is the externally-owned user document; the core reads it and only
// ever updates the profile image.
type User struct {
	ID           string `json:"_id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Email        string `json:"email" bson:"email"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
}

// Snapshot converts a user into its denormalised embedded form.
func (u User) Snapshot() UserSnapshot {
	return UserSnapshot{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		ProfileImage: u.ProfileImage,
	}
}
