package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

var ErrTooManyServers = errors.New("topology exceeds maximum length")

func encodeWith(m interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RegisterRequest (0x01) - Create an account on this server
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

func (m *RegisterRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	if err := WriteString(w, m.Email); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *RegisterRequest) Encode() ([]byte, error) { return encodeWith(m) }

func (m *RegisterRequest) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	email, err := ReadString(buf)
	if err != nil {
		return err
	}
	password, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	m.Email = email
	m.Password = password
	return nil
}

// LoginRequest (0x02) - Authenticate by email and password
type LoginRequest struct {
	Email    string
	Password string
}

func (m *LoginRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Email); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *LoginRequest) Encode() ([]byte, error) { return encodeWith(m) }

func (m *LoginRequest) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	email, err := ReadString(buf)
	if err != nil {
		return err
	}
	password, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Email = email
	m.Password = password
	return nil
}

// ChatMessage is the payload of SEND_MESSAGE_TO_USER (0x03), SEND_MESSAGE_TO_CHANNEL (0x04)
// and NEW_MESSAGE (0x85). AudioData is only populated on the federation hop.
type ChatMessage struct {
	Sender        string
	Recipient     string
	Content       string
	IsAudio       bool
	AudioFileName string
	Timestamp     time.Time
	AudioData     []byte
}

// IsChannel reports whether the recipient is a channel name
func (m *ChatMessage) IsChannel() bool {
	return IsChannelName(m.Recipient)
}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Recipient); err != nil {
		return err
	}
	if err := WriteString(w, m.Content); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsAudio); err != nil {
		return err
	}
	if err := WriteString(w, m.AudioFileName); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.Timestamp); err != nil {
		return err
	}
	return WriteBytes(w, m.AudioData)
}

func (m *ChatMessage) Encode() ([]byte, error) { return encodeWith(m) }

func (m *ChatMessage) Decode(payload []byte) error {
	return m.decodeFrom(bytes.NewReader(payload))
}

func (m *ChatMessage) decodeFrom(r io.Reader) error {
	sender, err := ReadString(r)
	if err != nil {
		return err
	}
	recipient, err := ReadString(r)
	if err != nil {
		return err
	}
	content, err := ReadString(r)
	if err != nil {
		return err
	}
	isAudio, err := ReadBool(r)
	if err != nil {
		return err
	}
	fileName, err := ReadString(r)
	if err != nil {
		return err
	}
	timestamp, err := ReadTimestamp(r)
	if err != nil {
		return err
	}
	data, err := ReadBytes(r)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Recipient = recipient
	m.Content = content
	m.IsAudio = isAudio
	m.AudioFileName = fileName
	m.Timestamp = timestamp
	m.AudioData = data
	return nil
}

// CreateChannelRequest (0x05)
type CreateChannelRequest struct {
	Name    string
	Creator string
}

func (m *CreateChannelRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteString(w, m.Creator)
}

func (m *CreateChannelRequest) Encode() ([]byte, error) { return encodeWith(m) }

func (m *CreateChannelRequest) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	creator, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Name = name
	m.Creator = creator
	return nil
}

// Invitation is the payload of INVITE_USER (0x06), INVITATION_RESPONSE (0x07),
// CHANNEL_INVITATION (0x88) and both federated invitation actions
type Invitation struct {
	Inviter  string
	Invited  string
	Channel  string
	Accepted bool
}

func (m *Invitation) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Inviter); err != nil {
		return err
	}
	if err := WriteString(w, m.Invited); err != nil {
		return err
	}
	if err := WriteString(w, m.Channel); err != nil {
		return err
	}
	return WriteBool(w, m.Accepted)
}

func (m *Invitation) Encode() ([]byte, error) { return encodeWith(m) }

func (m *Invitation) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	inviter, err := ReadString(buf)
	if err != nil {
		return err
	}
	invited, err := ReadString(buf)
	if err != nil {
		return err
	}
	channel, err := ReadString(buf)
	if err != nil {
		return err
	}
	accepted, err := ReadBool(buf)
	if err != nil {
		return err
	}

	m.Inviter = inviter
	m.Invited = invited
	m.Channel = channel
	m.Accepted = accepted
	return nil
}

// AudioRequest (0x08) - Download a stored audio file by reference
type AudioRequest struct {
	FileName string
}

func (m *AudioRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.FileName)
}

func (m *AudioRequest) Encode() ([]byte, error) { return encodeWith(m) }

func (m *AudioRequest) Decode(payload []byte) error {
	fileName, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.FileName = fileName
	return nil
}

// AudioUpload (0x09) - Raw PCM (or a complete WAV file) to stage for the next audio message
type AudioUpload struct {
	Sender string
	Data   []byte
}

func (m *AudioUpload) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *AudioUpload) Encode() ([]byte, error) { return encodeWith(m) }

func (m *AudioUpload) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Data = data
	return nil
}

// StatusMessage carries the human-readable text of REGISTER_*, LOGIN_FAILURE,
// INVITE_* and CREATE_CHANNEL_* responses
type StatusMessage struct {
	Message string
}

func (m *StatusMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Message)
}

func (m *StatusMessage) Encode() ([]byte, error) { return encodeWith(m) }

func (m *StatusMessage) Decode(payload []byte) error {
	message, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Message = message
	return nil
}

// UserInfo describes the logged-in user and the server that owns the session
type UserInfo struct {
	Username   string
	Email      string
	ServerIP   string
	ServerName string
}

func (m *UserInfo) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	if err := WriteString(w, m.Email); err != nil {
		return err
	}
	if err := WriteString(w, m.ServerIP); err != nil {
		return err
	}
	return WriteString(w, m.ServerName)
}

func (m *UserInfo) decodeFrom(r io.Reader) error {
	username, err := ReadString(r)
	if err != nil {
		return err
	}
	email, err := ReadString(r)
	if err != nil {
		return err
	}
	serverIP, err := ReadString(r)
	if err != nil {
		return err
	}
	serverName, err := ReadString(r)
	if err != nil {
		return err
	}

	m.Username = username
	m.Email = email
	m.ServerIP = serverIP
	m.ServerName = serverName
	return nil
}

// LoginSuccess (0x83) - User info, every reachable username and the user's channels
type LoginSuccess struct {
	User      UserInfo
	Usernames []string
	Channels  []string
}

func (m *LoginSuccess) EncodeTo(w io.Writer) error {
	if err := m.User.EncodeTo(w); err != nil {
		return err
	}
	if err := WriteStringList(w, m.Usernames); err != nil {
		return err
	}
	return WriteStringList(w, m.Channels)
}

func (m *LoginSuccess) Encode() ([]byte, error) { return encodeWith(m) }

func (m *LoginSuccess) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.User.decodeFrom(buf); err != nil {
		return err
	}
	usernames, err := ReadStringList(buf)
	if err != nil {
		return err
	}
	channels, err := ReadStringList(buf)
	if err != nil {
		return err
	}

	m.Usernames = usernames
	m.Channels = channels
	return nil
}

// UserList (0x86) - Merged local and remote presence
type UserList struct {
	Usernames []string
}

func (m *UserList) EncodeTo(w io.Writer) error {
	return WriteStringList(w, m.Usernames)
}

func (m *UserList) Encode() ([]byte, error) { return encodeWith(m) }

func (m *UserList) Decode(payload []byte) error {
	usernames, err := ReadStringList(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Usernames = usernames
	return nil
}

// ChannelList (0x87) - A user's personal channel list
type ChannelList struct {
	Channels []string
}

func (m *ChannelList) EncodeTo(w io.Writer) error {
	return WriteStringList(w, m.Channels)
}

func (m *ChannelList) Encode() ([]byte, error) { return encodeWith(m) }

func (m *ChannelList) Decode(payload []byte) error {
	channels, err := ReadStringList(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Channels = channels
	return nil
}

// AudioData (0x8B) - WAV bytes of a stored audio file
type AudioData struct {
	FileName string
	Data     []byte
}

func (m *AudioData) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.FileName); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *AudioData) Encode() ([]byte, error) { return encodeWith(m) }

func (m *AudioData) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	fileName, err := ReadString(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.FileName = fileName
	m.Data = data
	return nil
}

// MessageHistory (0x8C) - Recent messages for a chat (a username or channel)
type MessageHistory struct {
	ChatID   string
	Messages []ChatMessage
}

func (m *MessageHistory) EncodeTo(w io.Writer) error {
	if len(m.Messages) > MaxListLength {
		return ErrListTooLong
	}
	if err := WriteString(w, m.ChatID); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(m.Messages))); err != nil {
		return err
	}
	for i := range m.Messages {
		if err := m.Messages[i].EncodeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *MessageHistory) Encode() ([]byte, error) { return encodeWith(m) }

func (m *MessageHistory) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	chatID, err := ReadString(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}

	messages := make([]ChatMessage, count)
	for i := range messages {
		if err := messages[i].decodeFrom(buf); err != nil {
			return err
		}
	}

	m.ChatID = chatID
	m.Messages = messages
	return nil
}

// ServerInfo identifies a server in the federation. It is the payload of
// SERVER_REGISTER (0xC1), SERVER_HEARTBEAT (0xC2) and SERVER_UNREGISTER (0xC3).
type ServerInfo struct {
	Name             string
	IP               string
	ClientPort       uint16
	FederationPort   uint16
	ConnectedClients uint32
	Timestamp        time.Time
}

// Key returns the federation registry key ip:federationPort
func (m *ServerInfo) Key() string {
	return PeerKey(m.IP, int(m.FederationPort))
}

// PeerKey builds a federation registry key
func PeerKey(ip string, federationPort int) string {
	return net.JoinHostPort(ip, strconv.Itoa(federationPort))
}

func (m *ServerInfo) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	if err := WriteString(w, m.IP); err != nil {
		return err
	}
	if err := WriteUint16(w, m.ClientPort); err != nil {
		return err
	}
	if err := WriteUint16(w, m.FederationPort); err != nil {
		return err
	}
	if err := WriteUint32(w, m.ConnectedClients); err != nil {
		return err
	}
	return WriteTimestamp(w, m.Timestamp)
}

func (m *ServerInfo) Encode() ([]byte, error) { return encodeWith(m) }

func (m *ServerInfo) Decode(payload []byte) error {
	return m.decodeFrom(bytes.NewReader(payload))
}

func (m *ServerInfo) decodeFrom(r io.Reader) error {
	name, err := ReadString(r)
	if err != nil {
		return err
	}
	ip, err := ReadString(r)
	if err != nil {
		return err
	}
	clientPort, err := ReadUint16(r)
	if err != nil {
		return err
	}
	federationPort, err := ReadUint16(r)
	if err != nil {
		return err
	}
	connected, err := ReadUint32(r)
	if err != nil {
		return err
	}
	timestamp, err := ReadTimestamp(r)
	if err != nil {
		return err
	}

	m.Name = name
	m.IP = ip
	m.ClientPort = clientPort
	m.FederationPort = federationPort
	m.ConnectedClients = connected
	m.Timestamp = timestamp
	return nil
}

// ServerUserList (0xC4) - A peer's locally connected usernames
type ServerUserList struct {
	ServerIP   string
	ServerName string
	Usernames  []string
}

func (m *ServerUserList) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.ServerIP); err != nil {
		return err
	}
	if err := WriteString(w, m.ServerName); err != nil {
		return err
	}
	return WriteStringList(w, m.Usernames)
}

func (m *ServerUserList) Encode() ([]byte, error) { return encodeWith(m) }

func (m *ServerUserList) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	serverIP, err := ReadString(buf)
	if err != nil {
		return err
	}
	serverName, err := ReadString(buf)
	if err != nil {
		return err
	}
	usernames, err := ReadStringList(buf)
	if err != nil {
		return err
	}

	m.ServerIP = serverIP
	m.ServerName = serverName
	m.Usernames = usernames
	return nil
}

// Topology (0xC5) - Every server the sender knows, itself included
type Topology struct {
	Servers []ServerInfo
}

func (m *Topology) EncodeTo(w io.Writer) error {
	if len(m.Servers) > MaxListLength {
		return ErrTooManyServers
	}
	if err := WriteUint16(w, uint16(len(m.Servers))); err != nil {
		return err
	}
	for i := range m.Servers {
		if err := m.Servers[i].EncodeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Topology) Encode() ([]byte, error) { return encodeWith(m) }

func (m *Topology) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}

	servers := make([]ServerInfo, count)
	for i := range servers {
		if err := servers[i].decodeFrom(buf); err != nil {
			return err
		}
	}
	m.Servers = servers
	return nil
}

// FederatedMessage (0xC6, 0xC7) - A chat message crossing a federation boundary
type FederatedMessage struct {
	OriginServerIP    string
	OriginServerName  string
	Message           ChatMessage
	RequiresAudioData bool
}

func (m *FederatedMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.OriginServerIP); err != nil {
		return err
	}
	if err := WriteString(w, m.OriginServerName); err != nil {
		return err
	}
	if err := m.Message.EncodeTo(w); err != nil {
		return err
	}
	return WriteBool(w, m.RequiresAudioData)
}

func (m *FederatedMessage) Encode() ([]byte, error) { return encodeWith(m) }

func (m *FederatedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	originIP, err := ReadString(buf)
	if err != nil {
		return err
	}
	originName, err := ReadString(buf)
	if err != nil {
		return err
	}
	var msg ChatMessage
	if err := msg.decodeFrom(buf); err != nil {
		return err
	}
	requiresAudio, err := ReadBool(buf)
	if err != nil {
		return err
	}

	m.OriginServerIP = originIP
	m.OriginServerName = originName
	m.Message = msg
	m.RequiresAudioData = requiresAudio
	return nil
}
