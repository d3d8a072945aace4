package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"advisor-agent/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixName = "NAME#"
	skQuota      = "QUOTA#"
	tsLayout     = time.RFC3339Nano
	candidateCap = 10
)

// ErrNotFound reports a normal single-entity miss. Callers must distinguish
// it from connectivity or quota failures, which are returned as-is.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store defines the conversation persistence operations consumed by the
// memory and chat services.
type Store interface {
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
	RecentTurns(ctx context.Context, userID, conversationID string, limit int) ([]domain.ConversationTurn, error)
	AllTurns(ctx context.Context, userID, conversationID string, includeSummaries bool) ([]domain.ConversationTurn, error)
	SearchRelevant(ctx context.Context, userID, excludeConversationID string, queryEmbedding []float32, tokenBudget int) ([]domain.ConversationTurn, error)
	RemoveTurn(ctx context.Context, turn domain.ConversationTurn) error
	SaveName(ctx context.Context, name domain.ConversationName) error
	ListNames(ctx context.Context, userID string) ([]domain.ConversationName, error)
	GetQuota(ctx context.Context, userID string) (domain.TokenQuota, error)
	PutQuota(ctx context.Context, quota domain.TokenQuota) error
}

// Client wraps a DynamoDB table holding conversation turns, conversation
// names and token quotas in a single-table layout partitioned by user.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for a user. Every record a user owns
// lives in this partition.
func userPK(userID string) string {
	return "USER#" + userID
}

// msgSK returns the sort key for a turn. Timestamp before id keeps range
// queries ordered chronologically within a conversation.
func msgSK(conversationID string, ts time.Time, id string) string {
	return skPrefixMsg + conversationID + "#" + ts.UTC().Format(tsLayout) + "#" + id
}

func nameSK(createdAt time.Time, conversationID string) string {
	return skPrefixName + createdAt.UTC().Format(tsLayout) + "#" + conversationID
}

// AppendTurn persists a new conversation turn. The condition expression
// rejects an accidental overwrite of an existing record.
func (c *Client) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.ID == "" || turn.UserID == "" || turn.ConversationID == "" {
		return errors.New("repository: AppendTurn: id, userId and conversationId are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit most-recent non-summary turns for a
// conversation in chronological order. The underlying query reads newest
// first; the result is reversed before returning to prompt assembly.
func (c *Client) RecentTurns(ctx context.Context, userID, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	turns := make([]domain.ConversationTurn, 0, limit)

	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg + conversationID + "#"},
			},
			// Read newest first so the limit favors the most recent context.
			ScanIndexForward:  aws.Bool(false),
			Limit:             aws.Int32(int32(limit)),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
			}
			if turn.IsSummary {
				continue
			}
			turns = append(turns, turn)
			if len(turns) == limit {
				break
			}
		}
		if len(turns) == limit || len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	// Reverse to chronological order before returning.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AllTurns returns every turn for a conversation in chronological order.
// Summary turns are skipped unless includeSummaries is set.
func (c *Client) AllTurns(ctx context.Context, userID, conversationID string, includeSummaries bool) ([]domain.ConversationTurn, error) {
	var turns []domain.ConversationTurn

	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg + conversationID + "#"},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: AllTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: AllTurns unmarshal: %w", err)
			}
			if turn.IsSummary && !includeSummaries {
				continue
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return turns, nil
}

// SearchRelevant returns user-role turns from the user's other
// conversations, nearest to queryEmbedding first, greedily accumulated while
// the running token sum stays within tokenBudget. The first candidate that
// would exceed the budget stops accumulation entirely.
//
// DynamoDB has no server-side vector ranking, so the ten nearest candidates
// are selected in-process over the user partition.
func (c *Client) SearchRelevant(ctx context.Context, userID, excludeConversationID string, queryEmbedding []float32, tokenBudget int) ([]domain.ConversationTurn, error) {
	type scored struct {
		turn     domain.ConversationTurn
		distance float64
	}
	var candidates []scored

	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: SearchRelevant query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: SearchRelevant unmarshal: %w", err)
			}
			if turn.ConversationID == excludeConversationID {
				continue
			}
			if turn.Role != domain.RoleUser || turn.IsSummary {
				continue
			}
			candidates = append(candidates, scored{
				turn:     turn,
				distance: cosineDistance(queryEmbedding, turn.Embedding),
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	// Stable sort keeps store iteration order for distance ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	if len(candidates) > candidateCap {
		candidates = candidates[:candidateCap]
	}

	results := make([]domain.ConversationTurn, 0, len(candidates))
	currentTokens := 0
	for _, cand := range candidates {
		if currentTokens+cand.turn.TokenCount > tokenBudget {
			break
		}
		results = append(results, cand.turn)
		currentTokens += cand.turn.TokenCount
	}
	return results, nil
}

// RemoveTurn deletes a specific turn within its partition.
func (c *Client) RemoveTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.ID == "" || turn.UserID == "" || turn.ConversationID == "" {
		return errors.New("repository: RemoveTurn: id, userId and conversationId are required")
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(turn.UserID)},
			"SK": &types.AttributeValueMemberS{Value: msgSK(turn.ConversationID, turn.Timestamp, turn.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RemoveTurn: %w", err)
	}
	return nil
}

// SaveName persists a conversation name record.
func (c *Client) SaveName(ctx context.Context, name domain.ConversationName) error {
	if name.ID == "" || name.UserID == "" || name.ConversationID == "" {
		return errors.New("repository: SaveName: id, userId and conversationId are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: userPK(name.UserID)},
			"SK":             &types.AttributeValueMemberS{Value: nameSK(name.CreatedAt, name.ConversationID)},
			"id":             &types.AttributeValueMemberS{Value: name.ID},
			"conversationId": &types.AttributeValueMemberS{Value: name.ConversationID},
			"name":           &types.AttributeValueMemberS{Value: name.Name},
			"createdAt":      &types.AttributeValueMemberS{Value: name.CreatedAt.UTC().Format(tsLayout)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveName: %w", err)
	}
	return nil
}

// ListNames returns a user's conversation names, most recently created
// first.
func (c *Client) ListNames(ctx context.Context, userID string) ([]domain.ConversationName, error) {
	var names []domain.ConversationName

	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixName},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListNames query: %w", err)
		}
		for _, item := range out.Items {
			name, err := itemToName(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListNames unmarshal: %w", err)
			}
			names = append(names, name)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return names, nil
}

// GetQuota loads a user's token quota record. Returns ErrNotFound when the
// user has no record yet.
func (c *Client) GetQuota(ctx context.Context, userID string) (domain.TokenQuota, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skQuota},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.TokenQuota{}, fmt.Errorf("repository: GetQuota: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.TokenQuota{}, ErrNotFound
	}

	remaining, err := intAttr(out.Item, "remaining")
	if err != nil {
		return domain.TokenQuota{}, fmt.Errorf("repository: GetQuota decode: %w", err)
	}
	lastReset, err := timeAttr(out.Item, "lastReset")
	if err != nil {
		return domain.TokenQuota{}, fmt.Errorf("repository: GetQuota decode: %w", err)
	}
	return domain.TokenQuota{
		UserID:       userID,
		Remaining:    remaining,
		LastResetUTC: lastReset,
	}, nil
}

// PutQuota writes or replaces a user's token quota record.
func (c *Client) PutQuota(ctx context.Context, quota domain.TokenQuota) error {
	if quota.UserID == "" {
		return errors.New("repository: PutQuota: userId is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: userPK(quota.UserID)},
			"SK":        &types.AttributeValueMemberS{Value: skQuota},
			"remaining": &types.AttributeValueMemberN{Value: strconv.Itoa(quota.Remaining)},
			"lastReset": &types.AttributeValueMemberS{Value: quota.LastResetUTC.UTC().Format(tsLayout)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutQuota: %w", err)
	}
	return nil
}

// cosineDistance returns 1 minus the cosine similarity of a and b.
// Mismatched lengths and zero vectors rank farthest.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// encodeEmbedding packs a vector into a little-endian float32 blob for the
// binary attribute.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("repository: embedding blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

func turnItem(turn domain.ConversationTurn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: userPK(turn.UserID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(turn.ConversationID, turn.Timestamp, turn.ID)},
		"id":             &types.AttributeValueMemberS{Value: turn.ID},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(turn.Role)},
		"content":        &types.AttributeValueMemberS{Value: turn.Content},
		"timestamp":      &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(tsLayout)},
		"tokenCount":     &types.AttributeValueMemberN{Value: strconv.Itoa(turn.TokenCount)},
		"isSummary":      &types.AttributeValueMemberBOOL{Value: turn.IsSummary},
	}
	if len(turn.Embedding) > 0 {
		item["embedding"] = &types.AttributeValueMemberB{Value: encodeEmbedding(turn.Embedding)}
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a ConversationTurn.
func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	tokenCount, err := intAttr(item, "tokenCount")
	if err != nil {
		return domain.ConversationTurn{}, err
	}

	turn := domain.ConversationTurn{
		ID:             id,
		UserID:         strings.TrimPrefix(pk, "USER#"),
		ConversationID: conversationID,
		Role:           domain.RoleFromString(role),
		Content:        content,
		Timestamp:      ts,
		TokenCount:     tokenCount,
	}
	if v, ok := item["isSummary"]; ok {
		if b, ok := v.(*types.AttributeValueMemberBOOL); ok {
			turn.IsSummary = b.Value
		}
	}
	if v, ok := item["embedding"]; ok {
		b, ok := v.(*types.AttributeValueMemberB)
		if !ok {
			return domain.ConversationTurn{}, errors.New(`repository: attribute "embedding" is not binary`)
		}
		turn.Embedding, err = decodeEmbedding(b.Value)
		if err != nil {
			return domain.ConversationTurn{}, err
		}
	}
	return turn, nil
}

func itemToName(item map[string]types.AttributeValue) (domain.ConversationName, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.ConversationName{}, err
	}
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ConversationName{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationName{}, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.ConversationName{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.ConversationName{}, err
	}
	return domain.ConversationName{
		ID:             id,
		UserID:         strings.TrimPrefix(pk, "USER#"),
		ConversationID: conversationID,
		Name:           name,
		CreatedAt:      createdAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
