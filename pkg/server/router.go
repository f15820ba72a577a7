package server

import (
	"errors"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/audio"
	"github.com/aeolun/meshchat/pkg/database"
	"github.com/aeolun/meshchat/pkg/protocol"
)

// AudioUnavailable replaces the content of an audio message sent without a staged upload
const AudioUnavailable = "[audio unavailable]"

// PendingUpload is an audio upload waiting for the message that references it
type PendingUpload struct {
	FileName   string
	Transcript string
}

// MessageRouter decides where messages, invitations and presence go
type MessageRouter struct {
	sessions   *SessionRegistry
	federation *FederationRegistry
	users      UserStore
	channels   ChannelStore
	messages   MessageStore
	audio      *audio.Store

	metrics *Metrics
	events  EventSink
	logger  *zap.Logger
}

// NewMessageRouter wires the router into the federation registry
func NewMessageRouter(sessions *SessionRegistry, federation *FederationRegistry, store Store, audioStore *audio.Store, metrics *Metrics, events EventSink, logger *zap.Logger) *MessageRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NopSink{}
	}
	r := &MessageRouter{
		sessions:   sessions,
		federation: federation,
		users:      store,
		channels:   store,
		messages:   store,
		audio:      audioStore,
		metrics:    metrics,
		events:     events,
		logger:     logger.Named("router"),
	}
	federation.SetRouter(r)
	return r
}

// Route delivers a message from a local session. Recipients resolve in order:
// a logged-in local user, a channel hosted here, then the federation.
// staged, if set, supplies the audio file and transcript of an audio message.
func (r *MessageRouter) Route(sender *Session, msg protocol.ChatMessage, staged *PendingUpload) Route {
	msg.Sender = sender.Username
	msg.AudioData = nil
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.IsAudio {
		if staged != nil {
			msg.AudioFileName = staged.FileName
			msg.Content = staged.Transcript
		} else {
			msg.AudioFileName = ""
			msg.Content = AudioUnavailable
		}
	} else {
		msg.AudioFileName = ""
	}

	var route Route
	switch {
	case r.routeToLocalUser(sender, &msg):
		route = RouteLocalUser
	case r.routeToLocalChannel(sender, &msg):
		route = RouteLocalChannel
	default:
		r.persist(&msg)
		r.echo(sender, &msg)
		r.forward(&msg)
		route = RouteFederation
	}

	r.metrics.RecordMessageRouted(route)
	r.events.Emit(Event{Type: EventMessageRouted, Username: sender.Username, Route: route, Message: &msg})
	return route
}

func (r *MessageRouter) routeToLocalUser(sender *Session, msg *protocol.ChatMessage) bool {
	if protocol.IsChannelName(msg.Recipient) {
		return false
	}
	recipient, ok := r.sessions.FindByUsername(msg.Recipient)
	if !ok {
		return false
	}

	r.persist(msg)
	if err := recipient.Send(protocol.TypeNewMessage, msg); err != nil {
		r.sendFailed(recipient, err)
	} else {
		r.metrics.RecordFrameSent(protocol.TypeNewMessage)
	}
	// Text is not echoed; audio is so the sender learns the stored file name
	if msg.IsAudio && recipient != sender {
		r.echo(sender, msg)
	}
	return true
}

func (r *MessageRouter) routeToLocalChannel(sender *Session, msg *protocol.ChatMessage) bool {
	if !protocol.IsChannelName(msg.Recipient) {
		return false
	}
	channel, err := r.channels.FindChannel(msg.Recipient)
	if err != nil {
		if !errors.Is(err, database.ErrChannelNotFound) {
			r.logger.Error("channel lookup failed", zap.String("channel", msg.Recipient), zap.Error(err))
		}
		return false
	}

	r.persist(msg)
	frame, err := protocol.FrameFor(protocol.TypeNewMessage, msg)
	if err != nil {
		r.logger.Error("failed to encode message", zap.Error(err))
		return true
	}
	delivered := r.sessions.BroadcastTo(frame, channel.Usernames(), sender.Username)
	r.metrics.RecordBroadcastFanout("channel", delivered)
	r.echo(sender, msg)

	if channel.HasRemoteMembers() {
		r.forward(msg)
	}
	return true
}

func (r *MessageRouter) persist(msg *protocol.ChatMessage) {
	if _, err := r.messages.SaveMessage(msg); err != nil {
		r.logger.Error("failed to persist message",
			zap.String("from", msg.Sender),
			zap.String("to", msg.Recipient),
			zap.Error(err))
	}
}

func (r *MessageRouter) echo(sender *Session, msg *protocol.ChatMessage) {
	if err := sender.Send(protocol.TypeNewMessage, msg); err != nil {
		r.logger.Debug("echo failed", zap.String("to", sender.Username), zap.Error(err))
		return
	}
	r.metrics.RecordFrameSent(protocol.TypeNewMessage)
}

// forward hands the message to every peer. Audio messages carry the file bytes
// so the receiving server can serve downloads itself.
func (r *MessageRouter) forward(msg *protocol.ChatMessage) {
	local := r.federation.LocalIdentity()
	fm := protocol.FederatedMessage{
		OriginServerIP:   local.IP,
		OriginServerName: local.Name,
		Message:          *msg,
	}
	action := uint8(protocol.TypeFederatedMessage)

	if msg.IsAudio && msg.AudioFileName != "" && r.audio != nil {
		data, err := r.audio.Load(msg.AudioFileName)
		if err != nil {
			r.logger.Warn("audio missing for federation", zap.String("file", msg.AudioFileName), zap.Error(err))
		} else {
			fm.Message.AudioData = data
			fm.RequiresAudioData = true
			action = protocol.TypeFederatedAudio
		}
	}

	frame, err := protocol.FrameFor(action, &fm)
	if err != nil {
		r.logger.Error("failed to encode federated message", zap.Error(err))
		return
	}
	sent := r.federation.Broadcast(frame)
	r.logger.Debug("forwarded to federation",
		zap.String("to", msg.Recipient),
		zap.Int("peers", sent))
}

// DeliverFederated hands a message from a peer to local clients. Carried audio
// is stored under the sender's file name first. Federated messages are not
// persisted here.
func (r *MessageRouter) DeliverFederated(peer string, fm *protocol.FederatedMessage) {
	msg := fm.Message

	if len(msg.AudioData) > 0 && msg.AudioFileName != "" && r.audio != nil {
		if err := r.audio.SaveAs(msg.AudioFileName, msg.AudioData); err != nil {
			r.logger.Warn("failed to store federated audio",
				zap.String("peer", peer),
				zap.String("file", msg.AudioFileName),
				zap.Error(err))
			msg.AudioFileName = ""
		} else {
			r.metrics.RecordAudioStored(len(msg.AudioData))
			r.events.Emit(Event{Type: EventAudioStored, Peer: peer, FileName: msg.AudioFileName})
		}
	}
	msg.AudioData = nil

	if !r.deliverFederatedLocally(&msg) {
		r.logger.Debug("dropping federated message with no local recipient",
			zap.String("peer", peer),
			zap.String("to", msg.Recipient))
		return
	}
	r.metrics.RecordMessageRouted(RouteFederatedIn)
	r.events.Emit(Event{Type: EventMessageRouted, Peer: peer, Route: RouteFederatedIn, Message: &msg})
}

func (r *MessageRouter) deliverFederatedLocally(msg *protocol.ChatMessage) bool {
	if !protocol.IsChannelName(msg.Recipient) {
		sess, ok := r.sessions.FindByUsername(msg.Recipient)
		if !ok {
			return false
		}
		if err := sess.Send(protocol.TypeNewMessage, msg); err != nil {
			r.sendFailed(sess, err)
		}
		return true
	}

	frame, err := protocol.FrameFor(protocol.TypeNewMessage, msg)
	if err != nil {
		r.logger.Error("failed to encode message", zap.Error(err))
		return false
	}

	channel, err := r.channels.FindChannel(msg.Recipient)
	if err == nil {
		delivered := r.sessions.BroadcastTo(frame, channel.Usernames(), msg.Sender)
		r.metrics.RecordBroadcastFanout("federated_channel", delivered)
		return true
	}
	if !errors.Is(err, database.ErrChannelNotFound) {
		r.logger.Error("channel lookup failed", zap.String("channel", msg.Recipient), zap.Error(err))
		return false
	}

	// Channel hosted elsewhere: every local client sees it
	delivered := r.sessions.Broadcast(frame)
	r.metrics.RecordBroadcastFanout("federated_unknown_channel", delivered)
	return true
}

// Invite sends an invitation to a local or remote user and reports the outcome to the inviter
func (r *MessageRouter) Invite(sender *Session, inv protocol.Invitation) {
	inv.Inviter = sender.Username
	inv.Accepted = false

	fail := func(reason string) {
		r.reply(sender, protocol.TypeInviteFailure, &protocol.StatusMessage{Message: reason})
	}

	// Memberships of channels hosted by a peer count too
	memberOf, err := r.channels.ChannelsForMember(sender.Username)
	if err != nil {
		r.logger.Error("failed to list channels", zap.String("user", sender.Username), zap.Error(err))
		fail("could not invite " + inv.Invited)
		return
	}
	if !slices.Contains(memberOf, inv.Channel) {
		fail("you are not a member of " + inv.Channel)
		return
	}
	if channel, err := r.channels.FindChannel(inv.Channel); err == nil && channel.HasMember(inv.Invited) {
		fail(inv.Invited + " is already a member of " + inv.Channel)
		return
	}

	if invitee, ok := r.sessions.FindByUsername(inv.Invited); ok {
		if err := invitee.Send(protocol.TypeChannelInvitation, &inv); err != nil {
			r.sendFailed(invitee, err)
			fail("could not reach " + inv.Invited)
			return
		}
		r.reply(sender, protocol.TypeInviteSuccess, &protocol.StatusMessage{Message: "invited " + inv.Invited + " to " + inv.Channel})
		return
	}

	if peer, ok := r.federation.FindServerByUsername(inv.Invited); ok {
		frame, err := protocol.FrameFor(protocol.TypeFederatedChannelInvite, &inv)
		if err == nil {
			err = r.federation.SendTo(peer, frame)
		}
		if err != nil {
			r.logger.Warn("federated invite failed", zap.String("peer", peer), zap.Error(err))
			fail("could not reach " + inv.Invited)
			return
		}
		r.reply(sender, protocol.TypeInviteSuccess, &protocol.StatusMessage{Message: "invited " + inv.Invited + " to " + inv.Channel})
		return
	}

	fail("user " + inv.Invited + " is not online")
}

// DeliverFederatedInvite shows an invitation from a peer to the local invitee
func (r *MessageRouter) DeliverFederatedInvite(inv *protocol.Invitation) {
	invitee, ok := r.sessions.FindByUsername(inv.Invited)
	if !ok {
		r.logger.Debug("federated invite for user not online", zap.String("user", inv.Invited))
		return
	}
	if err := invitee.Send(protocol.TypeChannelInvitation, inv); err != nil {
		r.sendFailed(invitee, err)
	}
}

// RespondToInvitation applies the invitee's answer. Joining a channel hosted
// elsewhere is announced to the federation and remembered locally.
func (r *MessageRouter) RespondToInvitation(sender *Session, inv protocol.Invitation) {
	inv.Invited = sender.Username
	if !inv.Accepted {
		r.logger.Info("invitation declined",
			zap.String("user", sender.Username),
			zap.String("channel", inv.Channel))
		return
	}

	_, err := r.channels.FindChannel(inv.Channel)
	switch {
	case err == nil:
		if err := r.channels.AddMember(inv.Channel, sender.Username); err != nil && !errors.Is(err, database.ErrAlreadyMember) {
			r.logger.Error("failed to join channel", zap.String("channel", inv.Channel), zap.Error(err))
			return
		}
	case errors.Is(err, database.ErrChannelNotFound):
		frame, err := protocol.FrameFor(protocol.TypeFederatedInvitationResponse, &inv)
		if err != nil {
			r.logger.Error("failed to encode invitation response", zap.Error(err))
			return
		}
		r.federation.Broadcast(frame)
		if err := r.channels.AddRemoteMembership(sender.Username, inv.Channel); err != nil {
			r.logger.Error("failed to record remote membership", zap.String("channel", inv.Channel), zap.Error(err))
		}
	default:
		r.logger.Error("channel lookup failed", zap.String("channel", inv.Channel), zap.Error(err))
		return
	}

	r.SendChannelList(sender)
}

// ApplyFederatedInvitationResponse adds a remote user who accepted an
// invitation to a channel hosted here
func (r *MessageRouter) ApplyFederatedInvitationResponse(inv *protocol.Invitation) {
	if !inv.Accepted {
		return
	}
	if _, err := r.channels.FindChannel(inv.Channel); err != nil {
		// Hosted by another peer
		return
	}
	if _, err := r.users.EnsureRemoteUser(inv.Invited); err != nil {
		r.logger.Error("failed to create remote user", zap.String("user", inv.Invited), zap.Error(err))
		return
	}
	if err := r.channels.AddMember(inv.Channel, inv.Invited); err != nil && !errors.Is(err, database.ErrAlreadyMember) {
		r.logger.Error("failed to add remote member", zap.String("channel", inv.Channel), zap.Error(err))
		return
	}
	r.logger.Info("remote user joined channel",
		zap.String("user", inv.Invited),
		zap.String("channel", inv.Channel))
}

// SendChannelList sends the session its personal channel list
func (r *MessageRouter) SendChannelList(sess *Session) {
	channels, err := r.channels.ChannelsForMember(sess.Username)
	if err != nil {
		r.logger.Error("failed to list channels", zap.String("user", sess.Username), zap.Error(err))
		return
	}
	r.reply(sess, protocol.TypeChannelListUpdate, &protocol.ChannelList{Channels: channels})
}

// AllUsernames is the sorted union of local and cached remote users
func (r *MessageRouter) AllUsernames(extra ...string) []string {
	seen := make(map[string]bool)
	for _, name := range r.sessions.ConnectedUsernames() {
		seen[name] = true
	}
	for _, name := range r.federation.AllRemoteUsers() {
		seen[name] = true
	}
	for _, name := range extra {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PushUserList sends the merged user list to every local client
func (r *MessageRouter) PushUserList() {
	frame, err := protocol.FrameFor(protocol.TypeUserListUpdate, &protocol.UserList{Usernames: r.AllUsernames()})
	if err != nil {
		r.logger.Error("failed to encode user list", zap.Error(err))
		return
	}
	delivered := r.sessions.Broadcast(frame)
	r.metrics.RecordBroadcastFanout("presence", delivered)
}

// BroadcastPresence updates local clients and tells peers who is online here
func (r *MessageRouter) BroadcastPresence() {
	r.PushUserList()

	local := r.federation.LocalIdentity()
	frame, err := protocol.FrameFor(protocol.TypeServerUserListSync, &protocol.ServerUserList{
		ServerIP:   local.IP,
		ServerName: local.Name,
		Usernames:  r.sessions.ConnectedUsernames(),
	})
	if err != nil {
		r.logger.Error("failed to encode presence", zap.Error(err))
		return
	}
	r.federation.Broadcast(frame)
}

// sendFailed drops a session whose connection failed. Frames that could not be
// encoded leave the session alone.
func (r *MessageRouter) sendFailed(sess *Session, err error) {
	if protocol.IsEncodeError(err) {
		r.logger.Error("frame not sent", zap.String("to", sess.Username), zap.Error(err))
		return
	}
	r.logger.Debug("delivery failed", zap.String("to", sess.Username), zap.Error(err))
	r.sessions.Remove(sess)
}

func (r *MessageRouter) reply(sess *Session, action uint8, msg protocol.Encoder) {
	if err := sess.Send(action, msg); err != nil {
		r.logger.Debug("reply failed",
			zap.String("to", sess.Username),
			zap.String("action", protocol.ActionName(action)),
			zap.Error(err))
		return
	}
	r.metrics.RecordFrameSent(action)
}
