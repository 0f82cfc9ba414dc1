package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/segment"
)

// Store wraps one tenant's database.
type Store struct {
	db       *mongo.Database
	tenantID string
}

// New creates a store for a tenant database.
func New(db *mongo.Database, tenantID string) *Store {
	return &Store{db: db, tenantID: tenantID}
}

// TenantID returns the tenant this store is scoped to.
func (s *Store) TenantID() string { return s.tenantID }

// FindUsers runs a compiled attribute filter against Users.
func (s *Store) FindUsers(ctx context.Context, filter bson.M) ([]User, error) {
	cur, err := s.db.Collection(CollUsers).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var users []User
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// FindUsersByEvents runs a compiled event filter against userEvent and
// joins the matching owners back to Users.
func (s *Store) FindUsersByEvents(ctx context.Context, filter bson.M) ([]User, error) {
	ids, err := s.db.Collection(CollUserEvents).Distinct(ctx, "user_id", filter)
	if err != nil {
		return nil, fmt.Errorf("find user events: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.FindUsers(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

// ResolveAudience compiles a segment and returns its matching users. A
// bad definition surfaces as *segment.CompileError; a valid definition
// matching nobody returns an empty slice.
func (s *Store) ResolveAudience(ctx context.Context, seg segment.Segment) ([]User, error) {
	filter, err := segment.Compile(seg)
	if err != nil {
		return nil, err
	}
	if seg.IsEventBased() {
		return s.FindUsersByEvents(ctx, filter)
	}
	return s.FindUsers(ctx, filter)
}

// GetSegment loads one segment by id.
func (s *Store) GetSegment(ctx context.Context, id string) (*segment.Segment, error) {
	var seg segment.Segment
	err := s.db.Collection(CollSegments).FindOne(ctx, bson.M{"_id": id}).Decode(&seg)
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", id, err)
	}
	return &seg, nil
}

// ListActiveSegments returns segments eligible for processing.
func (s *Store) ListActiveSegments(ctx context.Context) ([]segment.Segment, error) {
	cur, err := s.db.Collection(CollSegments).Find(ctx, bson.M{"status": segment.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("list active segments: %w", err)
	}
	var segs []segment.Segment
	if err := cur.All(ctx, &segs); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return segs, nil
}

// MarkSegmentProcessed unions the processed user ids into the segment and
// stamps lastProcessed. processedUsers only grows.
func (s *Store) MarkSegmentProcessed(ctx context.Context, segmentID string, userIDs []string) error {
	_, err := s.db.Collection(CollSegments).UpdateOne(ctx,
		bson.M{"_id": segmentID},
		bson.M{
			"$addToSet": bson.M{"processedUsers": bson.M{"$each": userIDs}},
			"$set":      bson.M{"lastProcessed": time.Now().UTC()},
		},
	)
	if err != nil {
		return fmt.Errorf("mark segment %s processed: %w", segmentID, err)
	}
	return nil
}

// GetCampaign loads one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	err := s.db.Collection(CollCampaigns).FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return &c, nil
}

// IncCampaignAnalytics applies delivery counter deltas.
func (s *Store) IncCampaignAnalytics(ctx context.Context, campaignID string, impressions, delivered, failed int) error {
	_, err := s.db.Collection(CollCampaigns).UpdateOne(ctx,
		bson.M{"_id": campaignID},
		bson.M{"$inc": bson.M{
			"analytics.impression": impressions,
			"analytics.delivered":  delivered,
			"analytics.failed":     failed,
		}},
	)
	if err != nil {
		return fmt.Errorf("update campaign %s analytics: %w", campaignID, err)
	}
	return nil
}

// GetAutomation loads one automation by id.
func (s *Store) GetAutomation(ctx context.Context, id string) (*automation.Automation, error) {
	var a automation.Automation
	err := s.db.Collection(CollAutomation).FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if err != nil {
		return nil, fmt.Errorf("get automation %s: %w", id, err)
	}
	return &a, nil
}

// ListAutomationsByTrigger returns active automations for a trigger kind,
// filtered by event name for event triggers.
func (s *Store) ListAutomationsByTrigger(ctx context.Context, triggerType, event string) ([]automation.Automation, error) {
	filter := bson.M{"active": true, "trigger.type": triggerType}
	if event != "" {
		filter["trigger.event"] = event
	}
	cur, err := s.db.Collection(CollAutomation).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	var autos []automation.Automation
	if err := cur.All(ctx, &autos); err != nil {
		return nil, fmt.Errorf("decode automations: %w", err)
	}
	return autos, nil
}

// InsertExecution creates the running history record for a new run.
func (s *Store) InsertExecution(ctx context.Context, rec automation.ExecutionHistory) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, err := s.db.Collection(CollExecutions).InsertOne(ctx, rec); err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	return rec.ID, nil
}

// CompleteExecution transitions a running record to its terminal state.
// The status filter keeps terminal records immutable.
func (s *Store) CompleteExecution(ctx context.Context, historyID, status string, results []automation.ActionResult, errMsg string) error {
	if results == nil {
		results = []automation.ActionResult{}
	}
	set := bson.M{
		"status":      status,
		"results":     results,
		"completedAt": time.Now().UTC(),
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	_, err := s.db.Collection(CollExecutions).UpdateOne(ctx,
		bson.M{"_id": historyID, "status": automation.StatusRunning},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", historyID, err)
	}
	return nil
}

// ListExecutions returns the newest history records for an automation.
func (s *Store) ListExecutions(ctx context.Context, automationID string, limit int64) ([]automation.ExecutionHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.M{"timestamp": -1}).SetLimit(limit)
	cur, err := s.db.Collection(CollExecutions).Find(ctx, bson.M{"automationId": automationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var recs []automation.ExecutionHistory
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return recs, nil
}

// BumpAutomationRun increments runCount and stamps lastRunAt after a
// terminal completion or failure.
func (s *Store) BumpAutomationRun(ctx context.Context, automationID string, at time.Time) error {
	_, err := s.db.Collection(CollAutomation).UpdateOne(ctx,
		bson.M{"_id": automationID},
		bson.M{"$inc": bson.M{"runCount": 1}, "$set": bson.M{"lastRunAt": at}},
	)
	if err != nil {
		return fmt.Errorf("bump automation %s: %w", automationID, err)
	}
	return nil
}

// InsertTask persists a create_task side record.
func (s *Store) InsertTask(ctx context.Context, task automation.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.TenantID == "" {
		task.TenantID = s.tenantID
	}
	if _, err := s.db.Collection(CollTasks).InsertOne(ctx, task); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return task.ID, nil
}

// AddContactTag unions a tag onto a contact, creating the contact record
// if it does not exist yet.
func (s *Store) AddContactTag(ctx context.Context, contactID, tag string) error {
	_, err := s.db.Collection(CollContacts).UpdateOne(ctx,
		bson.M{"_id": contactID},
		bson.M{"$addToSet": bson.M{"tags": tag}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("tag contact %s: %w", contactID, err)
	}
	return nil
}

// InsertEvent stores one ingested application event.
func (s *Store) InsertEvent(ctx context.Context, ev Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}
	if _, err := s.db.Collection(CollUserEvents).InsertOne(ctx, ev); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return ev.ID, nil
}
