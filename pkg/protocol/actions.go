package protocol

// Action constants (Client → Server)
const (
	TypeRegister             = 0x01
	TypeLogin                = 0x02
	TypeSendMessageToUser    = 0x03
	TypeSendMessageToChannel = 0x04
	TypeCreateChannel        = 0x05
	TypeInviteUser           = 0x06
	TypeInvitationResponse   = 0x07
	TypeDownloadAudioRequest = 0x08
	TypeUploadAudio          = 0x09
)

// Action constants (Server → Client)
const (
	TypeRegisterSuccess      = 0x81
	TypeRegisterFailure      = 0x82
	TypeLoginSuccess         = 0x83
	TypeLoginFailure         = 0x84
	TypeNewMessage           = 0x85
	TypeUserListUpdate       = 0x86
	TypeChannelListUpdate    = 0x87
	TypeChannelInvitation    = 0x88
	TypeInviteSuccess        = 0x89
	TypeInviteFailure        = 0x8A
	TypeAudioDataResponse    = 0x8B
	TypeMessageHistory       = 0x8C
	TypeCreateChannelSuccess = 0x8D
	TypeCreateChannelFailure = 0x8E
)

// Action constants (Server ↔ Server)
const (
	TypeServerRegister              = 0xC1
	TypeServerHeartbeat             = 0xC2
	TypeServerUnregister            = 0xC3
	TypeServerUserListSync          = 0xC4
	TypeServerTopologySync          = 0xC5
	TypeFederatedMessage            = 0xC6
	TypeFederatedAudio              = 0xC7
	TypeFederatedChannelInvite      = 0xC8
	TypeFederatedInvitationResponse = 0xC9
)

var actionNames = map[uint8]string{
	TypeRegister:             "REGISTER",
	TypeLogin:                "LOGIN",
	TypeSendMessageToUser:    "SEND_MESSAGE_TO_USER",
	TypeSendMessageToChannel: "SEND_MESSAGE_TO_CHANNEL",
	TypeCreateChannel:        "CREATE_CHANNEL",
	TypeInviteUser:           "INVITE_USER",
	TypeInvitationResponse:   "INVITATION_RESPONSE",
	TypeDownloadAudioRequest: "DOWNLOAD_AUDIO_REQUEST",
	TypeUploadAudio:          "UPLOAD_AUDIO",

	TypeRegisterSuccess:      "REGISTER_SUCCESS",
	TypeRegisterFailure:      "REGISTER_FAILURE",
	TypeLoginSuccess:         "LOGIN_SUCCESS",
	TypeLoginFailure:         "LOGIN_FAILURE",
	TypeNewMessage:           "NEW_MESSAGE",
	TypeUserListUpdate:       "USER_LIST_UPDATE",
	TypeChannelListUpdate:    "CHANNEL_LIST_UPDATE",
	TypeChannelInvitation:    "CHANNEL_INVITATION",
	TypeInviteSuccess:        "INVITE_SUCCESS",
	TypeInviteFailure:        "INVITE_FAILURE",
	TypeAudioDataResponse:    "AUDIO_DATA_RESPONSE",
	TypeMessageHistory:       "MESSAGE_HISTORY",
	TypeCreateChannelSuccess: "CREATE_CHANNEL_SUCCESS",
	TypeCreateChannelFailure: "CREATE_CHANNEL_FAILURE",

	TypeServerRegister:              "SERVER_REGISTER",
	TypeServerHeartbeat:             "SERVER_HEARTBEAT",
	TypeServerUnregister:            "SERVER_UNREGISTER",
	TypeServerUserListSync:          "SERVER_USER_LIST_SYNC",
	TypeServerTopologySync:          "SERVER_TOPOLOGY_SYNC",
	TypeFederatedMessage:            "FEDERATED_MESSAGE",
	TypeFederatedAudio:              "FEDERATED_AUDIO",
	TypeFederatedChannelInvite:      "FEDERATED_CHANNEL_INVITE",
	TypeFederatedInvitationResponse: "FEDERATED_INVITATION_RESPONSE",
}

// ActionName returns the catalogue name of an action, or UNKNOWN
func ActionName(action uint8) string {
	if name, ok := actionNames[action]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsClientAction reports whether action may be sent by a client
func IsClientAction(action uint8) bool {
	return action >= TypeRegister && action <= TypeUploadAudio
}

// IsFederationAction reports whether action belongs to the server-to-server subset
func IsFederationAction(action uint8) bool {
	return action >= TypeServerRegister && action <= TypeFederatedInvitationResponse
}

// ChannelPrefix marks a recipient or channel name as a channel
const ChannelPrefix = "#"

// IsChannelName reports whether name carries the channel marker
func IsChannelName(name string) bool {
	return len(name) > len(ChannelPrefix) && name[:len(ChannelPrefix)] == ChannelPrefix
}
