// ABOUTME: MongoDB implementation of the Store interface using mongo-driver
// ABOUTME: Conversations embed participant states; messages carry receipts and deletions

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements the Store interface using MongoDB
type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
	counters      *mongo.Collection
	logger        *slog.Logger
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Type      string    `bson:"type"`
	Name      string    `bson:"name"`
	Bio       string    `bson:"bio"`
	AvatarURL string    `bson:"avatar_url"`
	Role      string    `bson:"role"`
	CreatedAt time.Time `bson:"created_at"`
}

type participantDoc struct {
	UserID      string `bson:"user_id"`
	UnreadCount int    `bson:"unread_count"`
	Archived    bool   `bson:"archived"`
	Muted       bool   `bson:"muted"`
	Blocked     bool   `bson:"blocked"`
}

type conversationDoc struct {
	ID            string           `bson:"_id"`
	Participants  []string         `bson:"participants"`
	LastMessageID string           `bson:"last_message_id,omitempty"`
	LastActivity  time.Time        `bson:"last_activity"`
	CreatedAt     time.Time        `bson:"created_at"`
	States        []participantDoc `bson:"states"`
}

type receiptDoc struct {
	UserID string    `bson:"user_id"`
	ReadAt time.Time `bson:"read_at"`
}

type messageDoc struct {
	ID             string       `bson:"_id"`
	Seq            int64        `bson:"seq"`
	ConversationID string       `bson:"conversation_id"`
	SenderID       string       `bson:"sender_id"`
	ReceiverID     string       `bson:"receiver_id"`
	Content        string       `bson:"content"`
	Type           string       `bson:"type"`
	Status         string       `bson:"status"`
	IdempotencyKey string       `bson:"idempotency_key,omitempty"`
	ReadBy         []receiptDoc `bson:"read_by"`
	DeletedBy      []string     `bson:"deleted_by"`
	CreatedAt      time.Time    `bson:"created_at"`
}

// NewMongoStore connects to uri, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		users:         db.Collection("users"),
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		counters:      db.Collection("counters"),
		logger:        logger,
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("Mongo store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "states.user_id", Value: 1}, {Key: "last_activity", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	if _, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "status", Value: 1}}},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
		},
	}); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}},
	}); err != nil {
		return fmt.Errorf("user indexes: %w", err)
	}
	return nil
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	s.logger.Info("closing Mongo store")
	return s.client.Disconnect(context.Background())
}

// CreateUser inserts a user profile.
func (s *MongoStore) CreateUser(ctx context.Context, user *User) error {
	userType := user.Type
	if userType == "" {
		userType = UserTypePerson
	}
	if !userType.Valid() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidUser, userType)
	}
	_, err := s.users.InsertOne(ctx, userDoc{
		ID:        user.ID,
		Type:      string(userType),
		Name:      user.Name,
		Bio:       user.Bio,
		AvatarURL: user.AvatarURL,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return doc.toUser(), nil
}

func (d *userDoc) toUser() *User {
	return &User{
		ID:        d.ID,
		Type:      UserType(d.Type),
		Name:      d.Name,
		Bio:       d.Bio,
		AvatarURL: d.AvatarURL,
		Role:      d.Role,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// SearchUsers matches name or bio case-insensitively.
func (s *MongoStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	pattern := primitive.Regex{Pattern: regexp.QuoteMeta(strings.TrimSpace(query)), Options: "i"}
	filter := bson.M{
		"_id": bson.M{"$ne": excludeID},
		"$or": bson.A{
			bson.M{"name": pattern},
			bson.M{"bio": pattern},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(clampLimit(limit)))

	cur, err := s.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer cur.Close(ctx)

	var users []*User
	for cur.Next(ctx) {
		var doc userDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding user: %w", err)
		}
		users = append(users, doc.toUser())
	}
	return users, cur.Err()
}

// UpsertConversation inserts conv with $setOnInsert so concurrent creators
// converge on the first record.
func (s *MongoStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	// _id comes from the filter on insert
	doc := bson.M{
		"participants":  bson.A{conv.Participants[0], conv.Participants[1]},
		"last_activity": conv.LastActivity.UTC(),
		"created_at":    conv.CreatedAt.UTC(),
		"states": bson.A{
			participantDoc{UserID: conv.Participants[0]},
			participantDoc{UserID: conv.Participants[1]},
		},
	}

	created := false
	result, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conv.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	switch {
	case err == nil:
		created = result.UpsertedCount > 0
	case mongo.IsDuplicateKeyError(err):
		// lost the upsert race; the winner's record is read below
	default:
		return nil, false, fmt.Errorf("upserting conversation: %w", err)
	}

	stored, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return doc.toConversation(), nil
}

func (d *conversationDoc) toConversation() *Conversation {
	conv := &Conversation{
		ID:            d.ID,
		LastMessageID: d.LastMessageID,
		LastActivity:  d.LastActivity.UTC(),
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if len(d.Participants) == 2 {
		conv.Participants = [2]string{d.Participants[0], d.Participants[1]}
	}
	for _, st := range d.States {
		conv.States = append(conv.States, ParticipantState{
			UserID:      st.UserID,
			UnreadCount: st.UnreadCount,
			Archived:    st.Archived,
			Muted:       st.Muted,
			Blocked:     st.Blocked,
		})
	}
	return conv
}

// ListConversationsForUser returns the user's non-archived conversations.
func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string, offset, limit int) ([]*Conversation, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	filter := bson.M{"states": bson.M{"$elemMatch": bson.M{"user_id": userID, "archived": false}}}
	total, err := s.conversations.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "last_activity", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer cur.Close(ctx)

	var convs []*Conversation
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decoding conversation: %w", err)
		}
		convs = append(convs, doc.toConversation())
	}
	if err := cur.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, int(total), nil
}

// SetLastMessage moves the last-message pointer and unarchives both participants.
func (s *MongoStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	result, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"last_message_id":     messageID,
			"last_activity":       at.UTC(),
			"states.$[].archived": false,
		}},
	)
	if err != nil {
		return fmt.Errorf("updating last message: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) updateParticipant(ctx context.Context, conversationID, userID string, update bson.M) error {
	result, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID, "states.user_id": userID},
		update,
	)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUnread adds one to the participant's unread counter with $inc.
func (s *MongoStore) IncrementUnread(ctx context.Context, conversationID, userID string) error {
	return s.updateParticipant(ctx, conversationID, userID,
		bson.M{"$inc": bson.M{"states.$.unread_count": 1}})
}

// ResetUnread sets the participant's unread counter to zero.
func (s *MongoStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return s.updateParticipant(ctx, conversationID, userID,
		bson.M{"$set": bson.M{"states.$.unread_count": 0}})
}

// UpdateParticipant applies the non-nil flags in patch.
func (s *MongoStore) UpdateParticipant(ctx context.Context, conversationID, userID string, patch ParticipantPatch) error {
	set := bson.M{}
	if patch.Archived != nil {
		set["states.$.archived"] = *patch.Archived
	}
	if patch.Muted != nil {
		set["states.$.muted"] = *patch.Muted
	}
	if patch.Blocked != nil {
		set["states.$.blocked"] = *patch.Blocked
	}
	if len(set) == 0 {
		return nil
	}
	return s.updateParticipant(ctx, conversationID, userID, bson.M{"$set": set})
}

// TotalUnread sums the user's unread counters with an aggregation.
func (s *MongoStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"states.user_id": userID}}},
		{{Key: "$unwind", Value: "$states"}},
		{{Key: "$match", Value: bson.M{"states.user_id": userID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$states.unread_count"}}}},
	}
	cur, err := s.conversations.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("summing unread counts: %w", err)
	}
	defer cur.Close(ctx)

	var out struct {
		Total int `bson:"total"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&out); err != nil {
			return 0, fmt.Errorf("decoding unread total: %w", err)
		}
	}
	return out.Total, cur.Err()
}

// nextSeq allocates the next message sequence for a conversation.
func (s *MongoStore) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "message_seq:" + conversationID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocating message seq: %w", err)
	}
	return counter.Seq, nil
}

// SaveMessage inserts a message and sets msg.Seq.
func (s *MongoStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.Status == "" {
		msg.Status = MessageStatusSent
	}

	seq, err := s.nextSeq(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	_, err = s.messages.InsertOne(ctx, messageDoc{
		ID:             msg.ID,
		Seq:            seq,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Type:           msg.Type,
		Status:         string(msg.Status),
		IdempotencyKey: msg.IdempotencyKey,
		ReadBy:         []receiptDoc{},
		DeletedBy:      []string{},
		CreatedAt:      msg.CreatedAt.UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && msg.IdempotencyKey != "" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	msg.Seq = seq
	return nil
}

// AppendMessage saves msg and updates the conversation inside one
// multi-document transaction. The server must be a replica set or sharded
// cluster.
func (s *MongoStore) AppendMessage(ctx context.Context, msg *Message) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.EndSession(ctx)

	stored := *msg
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		attempt := *msg
		if err := s.SaveMessage(sc, &attempt); err != nil {
			return nil, err
		}
		if err := s.SetLastMessage(sc, attempt.ConversationID, attempt.ID, attempt.CreatedAt); err != nil {
			return nil, err
		}
		if err := s.IncrementUnread(sc, attempt.ConversationID, attempt.ReceiverID); err != nil {
			return nil, err
		}
		stored = attempt
		return nil, nil
	})
	if err != nil {
		return err
	}
	*msg = stored
	return nil
}

func (d *messageDoc) toMessage() *Message {
	msg := &Message{
		ID:             d.ID,
		Seq:            d.Seq,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		Type:           d.Type,
		Status:         MessageStatus(d.Status),
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt.UTC(),
	}
	for _, r := range d.ReadBy {
		msg.ReadBy = append(msg.ReadBy, Receipt{UserID: r.UserID, ReadAt: r.ReadAt.UTC()})
	}
	if len(d.DeletedBy) > 0 {
		msg.DeletedBy = append([]string(nil), d.DeletedBy...)
	}
	return msg
}

func (s *MongoStore) findMessage(ctx context.Context, filter bson.M) (*Message, error) {
	var doc messageDoc
	if err := s.messages.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return doc.toMessage(), nil
}

// GetMessage retrieves a message by ID.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.findMessage(ctx, bson.M{"_id": id})
}

// GetMessageByIdempotencyKey finds the message a sender created with key.
func (s *MongoStore) GetMessageByIdempotencyKey(ctx context.Context, senderID, key string) (*Message, error) {
	return s.findMessage(ctx, bson.M{"sender_id": senderID, "idempotency_key": key})
}

// ListMessages pages backwards from the newest message visible to viewerID.
func (s *MongoStore) ListMessages(ctx context.Context, conversationID, viewerID string, offset, limit int) ([]*Message, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	filter := bson.M{"conversation_id": conversationID, "deleted_by": bson.M{"$ne": viewerID}}
	total, err := s.messages.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []*Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decoding message: %w", err)
		}
		msgs = append(msgs, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating messages: %w", err)
	}

	// return in chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, int(total), nil
}

func (s *MongoStore) selectMessageIDs(ctx context.Context, filter bson.M) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("selecting message ids: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decoding message id: %w", err)
		}
		ids = append(ids, row.ID)
	}
	return ids, cur.Err()
}

// MarkDelivered moves sent messages for receiverID to delivered.
func (s *MongoStore) MarkDelivered(ctx context.Context, receiverID string, messageIDs []string) ([]string, error) {
	filter := bson.M{"receiver_id": receiverID, "status": string(MessageStatusSent)}
	if len(messageIDs) > 0 {
		filter["_id"] = bson.M{"$in": messageIDs}
	}

	ids, err := s.selectMessageIDs(ctx, filter)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	if _, err := s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": string(MessageStatusSent)},
		bson.M{"$set": bson.M{"status": string(MessageStatusDelivered)}},
	); err != nil {
		return nil, fmt.Errorf("marking delivered: %w", err)
	}
	return ids, nil
}

// MarkRead moves unread messages addressed to readerID to read and records receipts.
func (s *MongoStore) MarkRead(ctx context.Context, conversationID, readerID, messageID string, at time.Time) ([]string, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"receiver_id":     readerID,
		"status":          bson.M{"$ne": string(MessageStatusRead)},
	}
	if messageID != "" {
		filter["_id"] = messageID
	}

	ids, err := s.selectMessageIDs(ctx, filter)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	if _, err := s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": bson.M{"$ne": string(MessageStatusRead)}},
		bson.M{
			"$set":      bson.M{"status": string(MessageStatusRead)},
			"$addToSet": bson.M{"read_by": receiptDoc{UserID: readerID, ReadAt: at.UTC()}},
		},
	); err != nil {
		return nil, fmt.Errorf("marking read: %w", err)
	}
	return ids, nil
}

// SoftDeleteMessage hides a message from userID's view.
func (s *MongoStore) SoftDeleteMessage(ctx context.Context, messageID, userID string) error {
	result, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$addToSet": bson.M{"deleted_by": userID}},
	)
	if err != nil {
		return fmt.Errorf("soft deleting message: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Ensure MongoStore implements Store interface
var _ Store = (*MongoStore)(nil)
