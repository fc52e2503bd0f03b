package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/workorder"
)

// Credentials is one SMTP account record.
type Credentials struct {
	ID       string `dynamodbav:"id"`
	Username string `dynamodbav:"username"`
	Password string `dynamodbav:"password"`
	// Email is the From address for the account.
	Email string `dynamodbav:"email"`
	// Server optionally overrides the configured SMTP host.
	Server string `dynamodbav:"server,omitempty"`
}

// ScanStudents loads the full student roster.
func (s *Store) ScanStudents(ctx context.Context) ([]domain.Student, error) {
	var students []domain.Student
	paginator := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: strPtr(s.tables.Students),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scanning students", err)
		}
		for _, item := range page.Items {
			student, err := decodeStudent(item)
			if err != nil {
				s.log.Warn("skipping undecodable student", "error", err.Error())
				continue
			}
			students = append(students, *student)
		}
	}
	return students, nil
}

// GetStudent loads one student by id; missing ids return (nil, nil).
func (s *Store) GetStudent(ctx context.Context, id string) (*domain.Student, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: strPtr(s.tables.Students),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, unavailable("getting student "+id, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return decodeStudent(out.Item)
}

// decodeStudent normalizes tagged-scalar wrappers and the legacy emails
// ledger, where very old rows mark a campaign with BOOL true instead of
// a timestamp string, then unmarshals.
func decodeStudent(item map[string]types.AttributeValue) (*domain.Student, error) {
	item = workorder.NormalizeItem(item)
	if raw, ok := item["emails"].(*types.AttributeValueMemberM); ok {
		emails := make(map[string]types.AttributeValue, len(raw.Value))
		for key, v := range raw.Value {
			if _, isBool := v.(*types.AttributeValueMemberBOOL); isBool {
				emails[key] = &types.AttributeValueMemberS{Value: "true"}
				continue
			}
			emails[key] = v
		}
		item["emails"] = &types.AttributeValueMemberM{Value: emails}
	}

	var student domain.Student
	if err := attributevalue.UnmarshalMap(item, &student); err != nil {
		return nil, err
	}
	return &student, nil
}

// SetStudentEmailSent records the campaign in the student's ledger. The
// write is an overwrite of one map entry, so replays after a crash are
// harmless. When the student has no ledger yet the nested set fails and
// we create the map instead.
func (s *Store) SetStudentEmailSent(ctx context.Context, studentID, campaign string, at time.Time) error {
	key := map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: studentID},
	}
	stamp := &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)}

	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                strPtr(s.tables.Students),
		Key:                      key,
		UpdateExpression:         strPtr("SET emails.#c = :t"),
		ConditionExpression:      strPtr("attribute_exists(emails)"),
		ExpressionAttributeNames: map[string]string{"#c": campaign},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": stamp,
		},
	})
	if err == nil {
		return nil
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        strPtr(s.tables.Students),
		Key:              key,
		UpdateExpression: strPtr("SET emails = :m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{campaign: stamp}},
		},
	})
	if err != nil {
		return unavailable("recording sent email for student "+studentID, err)
	}
	return nil
}

// ScanPools loads every pool definition.
func (s *Store) ScanPools(ctx context.Context) ([]domain.Pool, error) {
	var pools []domain.Pool
	paginator := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: strPtr(s.tables.Pools),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scanning pools", err)
		}
		var batch []domain.Pool
		if err := attributevalue.UnmarshalListOfMaps(normalizeItems(page.Items), &batch); err != nil {
			return nil, unavailable("decoding pools", err)
		}
		pools = append(pools, batch...)
	}
	return pools, nil
}

// ScanPrompts loads every localized prompt.
func (s *Store) ScanPrompts(ctx context.Context) ([]domain.Prompt, error) {
	var prompts []domain.Prompt
	paginator := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: strPtr(s.tables.Prompts),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scanning prompts", err)
		}
		var batch []domain.Prompt
		if err := attributevalue.UnmarshalListOfMaps(normalizeItems(page.Items), &batch); err != nil {
			return nil, unavailable("decoding prompts", err)
		}
		prompts = append(prompts, batch...)
	}
	return prompts, nil
}

// GetEvent loads one event by aid; missing aids return (nil, nil).
func (s *Store) GetEvent(ctx context.Context, aid string) (*domain.Event, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: strPtr(s.tables.Events),
		Key: map[string]types.AttributeValue{
			"aid": &types.AttributeValueMemberS{Value: aid},
		},
	})
	if err != nil {
		return nil, unavailable("getting event "+aid, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var event domain.Event
	if err := attributevalue.UnmarshalMap(workorder.NormalizeItem(out.Item), &event); err != nil {
		return nil, unavailable("decoding event "+aid, err)
	}
	return &event, nil
}

// UpdateEventEmbeddedEmail records the S3 path of a prepared campaign
// body under the sub-event so later runs can detect reuse. The
// embeddedEmails map is merged read-modify-write; concurrent writers are
// not a concern because the work-order lock serializes preparation.
func (s *Store) UpdateEventEmbeddedEmail(ctx context.Context, aid, subEvent, stage, lang, s3Path string) error {
	event, err := s.GetEvent(ctx, aid)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("updating event %s: event not found", aid)
	}

	sub := event.SubEvents[subEvent]
	if sub.EmbeddedEmails == nil {
		sub.EmbeddedEmails = map[string]map[string]string{}
	}
	if sub.EmbeddedEmails[stage] == nil {
		sub.EmbeddedEmails[stage] = map[string]string{}
	}
	sub.EmbeddedEmails[stage][lang] = s3Path

	merged, err := attributevalue.Marshal(sub.EmbeddedEmails)
	if err != nil {
		return unavailable("encoding embedded emails for "+aid, err)
	}
	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: strPtr(s.tables.Events),
		Key: map[string]types.AttributeValue{
			"aid": &types.AttributeValueMemberS{Value: aid},
		},
		UpdateExpression: strPtr("SET subEvents.#se.embeddedEmails = :m"),
		ExpressionAttributeNames: map[string]string{
			"#se": subEvent,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": merged,
		},
	})
	if err != nil {
		return unavailable("updating event "+aid, err)
	}
	return nil
}

// GetStageRecord loads the stage configuration; unknown stages return
// (nil, nil) and selection falls back to the built-in predicates alone.
func (s *Store) GetStageRecord(ctx context.Context, stage string) (*domain.StageRecord, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: strPtr(s.tables.Stages),
		Key: map[string]types.AttributeValue{
			"stage": &types.AttributeValueMemberS{Value: stage},
		},
	})
	if err != nil {
		return nil, unavailable("getting stage "+stage, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var record domain.StageRecord
	if err := attributevalue.UnmarshalMap(workorder.NormalizeItem(out.Item), &record); err != nil {
		return nil, unavailable("decoding stage "+stage, err)
	}
	return &record, nil
}

// GetCredentials loads the SMTP credentials for an account key; missing
// accounts return (nil, nil).
func (s *Store) GetCredentials(ctx context.Context, account string) (*Credentials, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: strPtr(s.tables.Credentials),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: account},
		},
	})
	if err != nil {
		return nil, unavailable("getting credentials for "+account, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var creds Credentials
	if err := attributevalue.UnmarshalMap(workorder.NormalizeItem(out.Item), &creds); err != nil {
		return nil, unavailable("decoding credentials for "+account, err)
	}
	return &creds, nil
}

func normalizeItems(items []map[string]types.AttributeValue) []map[string]types.AttributeValue {
	out := make([]map[string]types.AttributeValue, len(items))
	for i, item := range items {
		out[i] = workorder.NormalizeItem(item)
	}
	return out
}
