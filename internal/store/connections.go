package store

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Connection is one live UI WebSocket subscription.
type Connection struct {
	ConnectionID string `dynamodbav:"connectionId"`
}

// ScanConnections lists the UI subscriptions registered by the
// WebSocket API's connect route.
func (s *Store) ScanConnections(ctx context.Context) ([]Connection, error) {
	var conns []Connection
	paginator := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: strPtr(s.tables.Connections),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scanning connections", err)
		}
		var batch []Connection
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, unavailable("decoding connections", err)
		}
		conns = append(conns, batch...)
	}
	return conns, nil
}

// DeleteConnection drops a subscription whose endpoint is gone.
func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: strPtr(s.tables.Connections),
		Key: map[string]types.AttributeValue{
			"connectionId": &types.AttributeValueMemberS{Value: connectionID},
		},
	})
	if err != nil {
		return unavailable("deleting connection "+connectionID, err)
	}
	return nil
}
