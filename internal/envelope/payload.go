package envelope

// Payload type discriminators. The strings are part of the wire format and
// must not be changed, including the historical misspellings
// ("get_friend_detials", "can_recieve_msg_value") that deployed clients send.
const (
	// scope=server
	TypeLoginRequest     = "login request"
	TypeCreateAccount    = "create account request"
	TypeFriendCodeExists = "check_if_friend_code_exists"
	TypeRecipientKey     = "get_recipient_public_key"
	TypeFriendDetails    = "get_friend_detials"
	TypeAllUserData      = "request_all_user_data"
	TypeDeletingAccount  = "deleting_account"
	TypeChangeScreenName = "change_screen_name"
	TypeCanReceive       = "can_recieve_msg_value"
	TypeDisconnect       = "DISCONNECT"

	// scope=client
	TypeMessage             = "message"
	TypeFriendRequest       = "friend_request"
	TypeFriendAccepted      = "accepted_friend_request"
	TypeFriendRejected      = "rejected_friend_request"
	TypeBlocked             = "blocked"
	TypeUnblocked           = "unblocked"
	TypeSyncScreenName      = "sync_new_screen_name"
	TypeSyncAccountDeletion = "sync_account_deletion"
)

// UserDetails is the directory's view of one account, returned by the
// full-data export.
type UserDetails struct {
	UserID     string `json:"user_id"`
	ScreenName string `json:"screen_name"`
	PublicKey  []byte `json:"public_key"`
}

// Payload is the decrypted application message carried inside an envelope.
// Type selects which of the optional fields are meaningful; unused fields
// are omitted from the serialized form.
type Payload struct {
	Type string `json:"type"`

	// identity / auth
	UserID     string `json:"user_id,omitempty"`
	Password   string `json:"password,omitempty"`
	ScreenName string `json:"screen_name,omitempty"`

	// handshake and friend material
	PublicKey []byte `json:"public_key,omitempty"`

	// directory requests
	FriendCode      string `json:"friend_code,omitempty"`
	RecipientUserID string `json:"recipient_user_id,omitempty"`
	FriendUserID    string `json:"friend_user_id,omitempty"`
	NewScreenName   string `json:"new_screen_name,omitempty"`

	// directory replies
	ValidPassword       bool         `json:"valid_password,omitempty"`
	UserIDTaken         bool         `json:"user_id_already_used,omitempty"`
	AccountCreated      bool         `json:"account_created,omitempty"`
	Exists              bool         `json:"exists,omitempty"`
	RecipientPublicKey  []byte       `json:"recipient_public_key,omitempty"`
	AccountDeleted      bool         `json:"account_deleted,omitempty"`
	AccountDeletionName string       `json:"account_deletion_name,omitempty"`
	UserDetails         *UserDetails `json:"user_details,omitempty"`

	// listener toggle
	CanReceive bool `json:"can_recieve_msg,omitempty"`

	// client-to-client traffic
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`
	Date    string `json:"date,omitempty"`
	Time    string `json:"time,omitempty"`
	IsImage bool   `json:"is_image,omitempty"`
}
