package store

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SentRecord is one delivery entry in a recipient ledger, for both the
// dry-run preview table and the durable send ledger.
type SentRecord struct {
	ID      string    `dynamodbav:"id"`
	Name    string    `dynamodbav:"name"`
	Email   string    `dynamodbav:"email"`
	Account string    `dynamodbav:"account,omitempty"`
	SentAt  time.Time `dynamodbav:"sendtime"`
}

type recipientItem struct {
	ID      string       `dynamodbav:"id"`
	Entries []SentRecord `dynamodbav:"entries"`
}

// AppendDryrunRecipient appends one preview entry to the campaign's
// dry-run item.
func (s *Store) AppendDryrunRecipient(ctx context.Context, campaign string, rec SentRecord) error {
	return s.appendRecipient(ctx, s.tables.DryrunRecipients, campaign, rec)
}

// AppendSendRecipient appends one entry to the durable send ledger. A
// failure here must abort the send loop: a recipient the ledger does not
// record would be re-sent on the next run.
func (s *Store) AppendSendRecipient(ctx context.Context, campaign string, rec SentRecord) error {
	return s.appendRecipient(ctx, s.tables.SendRecipients, campaign, rec)
}

func (s *Store) appendRecipient(ctx context.Context, table, campaign string, rec SentRecord) error {
	entry, err := attributevalue.Marshal(rec)
	if err != nil {
		return unavailable("encoding recipient for "+campaign, err)
	}
	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: strPtr(table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: campaign},
		},
		UpdateExpression: strPtr("SET entries = list_append(if_not_exists(entries, :empty), :rec)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":rec":   &types.AttributeValueMemberL{Value: []types.AttributeValue{entry}},
		},
	})
	if err != nil {
		return unavailable("appending recipient for "+campaign, err)
	}
	return nil
}

// DeleteDryrunRecipients clears the preview ledger before a fresh
// dry run.
func (s *Store) DeleteDryrunRecipients(ctx context.Context, campaign string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: strPtr(s.tables.DryrunRecipients),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: campaign},
		},
	})
	if err != nil {
		return unavailable("deleting dry-run recipients for "+campaign, err)
	}
	return nil
}

// CountEmailsSentByAccount counts ledger entries for the account newer
// than since, across all work orders. The send loop uses it to enforce
// the rolling 24-hour account quota.
func (s *Store) CountEmailsSentByAccount(ctx context.Context, account string, since time.Time) (int, error) {
	count := 0
	paginator := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: strPtr(s.tables.SendRecipients),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, unavailable("scanning send ledger", err)
		}
		for _, raw := range page.Items {
			var item recipientItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				s.log.Warn("skipping undecodable send ledger item", "error", err.Error())
				continue
			}
			for _, rec := range item.Entries {
				if rec.Account == account && rec.SentAt.After(since) {
					count++
				}
			}
		}
	}
	return count, nil
}
