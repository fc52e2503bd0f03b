package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/workorder"
)

// GetWorkOrder loads one work order by id. A missing id returns
// (nil, nil) so callers can treat deletion-while-working as a stop.
func (s *Store) GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: strPtr(s.tables.WorkOrders),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, unavailable("getting work order "+id, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return workorder.Decode(out.Item)
}

// UpdateWorkOrder applies a field patch to the work order, bumps
// updatedAt, and pushes the fresh state to the notifier. A nil value in
// the patch removes the field.
func (s *Store) UpdateWorkOrder(ctx context.Context, id string, patch map[string]interface{}) (*workorder.WorkOrder, error) {
	patch["updatedAt"] = time.Now().UTC()

	// Deterministic expression order keeps the call replayable in logs.
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sets, removes []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	for i, k := range keys {
		nameRef := fmt.Sprintf("#f%d", i)
		names[nameRef] = k
		if patch[k] == nil {
			removes = append(removes, nameRef)
			continue
		}
		av, err := attributevalue.Marshal(patch[k])
		if err != nil {
			return nil, fmt.Errorf("encoding work order field %s: %w", k, err)
		}
		valueRef := fmt.Sprintf(":v%d", i)
		values[valueRef] = av
		sets = append(sets, nameRef+" = "+valueRef)
	}

	var expr string
	if len(sets) > 0 {
		expr = "SET " + strings.Join(sets, ", ")
	}
	if len(removes) > 0 {
		if expr != "" {
			expr += " "
		}
		expr += "REMOVE " + strings.Join(removes, ", ")
	}

	input := &dynamodb.UpdateItemInput{
		TableName: strPtr(s.tables.WorkOrders),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:         strPtr(expr),
		ExpressionAttributeNames: names,
		ReturnValues:             types.ReturnValueAllNew,
	}
	if len(values) > 0 {
		input.ExpressionAttributeValues = values
	}

	out, err := s.db.UpdateItem(ctx, input)
	if err != nil {
		return nil, unavailable("updating work order "+id, err)
	}
	wo, err := workorder.Decode(out.Attributes)
	if err != nil {
		return nil, err
	}
	s.log.Log(logger.WorkOrder, "work order updated", "id", id, "fields", strings.Join(keys, ","))
	s.notifyChanged(ctx, wo)
	return wo, nil
}

// TryLockWorkOrder atomically claims the work order for owner. It fails
// with ErrLockHeld when another process already holds it.
func (s *Store) TryLockWorkOrder(ctx context.Context, id, owner string) (*workorder.WorkOrder, error) {
	now := time.Now().UTC()
	nowAV, _ := attributevalue.Marshal(now)

	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: strPtr(s.tables.WorkOrders),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    strPtr("SET locked = :true, lockedBy = :owner, lockedAt = :now, updatedAt = :now"),
		ConditionExpression: strPtr("attribute_not_exists(locked) OR locked = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":owner": &types.AttributeValueMemberS{Value: owner},
			":now":   nowAV,
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("locking work order %s: %w", id, ErrLockHeld)
		}
		return nil, unavailable("locking work order "+id, err)
	}
	wo, err := workorder.Decode(out.Attributes)
	if err != nil {
		return nil, err
	}
	s.notifyChanged(ctx, wo)
	return wo, nil
}

// UnlockWorkOrder releases the lock unconditionally.
func (s *Store) UnlockWorkOrder(ctx context.Context, id string) error {
	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: strPtr(s.tables.WorkOrders),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: strPtr("SET locked = :false, lockedBy = :empty, updatedAt = :now REMOVE lockedAt"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":empty": &types.AttributeValueMemberS{Value: ""},
			":now":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return unavailable("unlocking work order "+id, err)
	}
	if wo, derr := workorder.Decode(out.Attributes); derr == nil {
		s.notifyChanged(ctx, wo)
	}
	return nil
}

// ScanLocked returns every currently locked work order.
func (s *Store) ScanLocked(ctx context.Context) ([]workorder.WorkOrder, error) {
	return s.scanWorkOrders(ctx, "locked = :true", map[string]types.AttributeValue{
		":true": &types.AttributeValueMemberBOOL{Value: true},
	})
}

// ScanSleeping returns every work order parked in the Sleeping state.
func (s *Store) ScanSleeping(ctx context.Context) ([]workorder.WorkOrder, error) {
	return s.scanWorkOrders(ctx, "#st = :sleeping", map[string]types.AttributeValue{
		":sleeping": &types.AttributeValueMemberS{Value: workorder.StateSleeping},
	})
}

func (s *Store) scanWorkOrders(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]workorder.WorkOrder, error) {
	input := &dynamodb.ScanInput{
		TableName:                 strPtr(s.tables.WorkOrders),
		FilterExpression:          strPtr(filter),
		ExpressionAttributeValues: values,
	}
	if strings.Contains(filter, "#st") {
		input.ExpressionAttributeNames = map[string]string{"#st": "state"}
	}

	var result []workorder.WorkOrder
	paginator := dynamodb.NewScanPaginator(s.db, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scanning work orders", err)
		}
		for _, item := range page.Items {
			wo, err := workorder.Decode(item)
			if err != nil {
				s.log.Warn("skipping undecodable work order", "error", err.Error())
				continue
			}
			result = append(result, *wo)
		}
	}
	return result, nil
}
