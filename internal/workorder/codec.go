package workorder

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Decode converts a DynamoDB item into a WorkOrder. Items written by older
// tooling sometimes carry a nested typed wrapper around a scalar (a step
// status stored as {"S": "working"} inside an already-typed map); Decode
// normalizes those to plain scalars before unmarshaling.
func Decode(item map[string]types.AttributeValue) (*WorkOrder, error) {
	var wo WorkOrder
	if err := attributevalue.UnmarshalMap(NormalizeItem(item), &wo); err != nil {
		return nil, fmt.Errorf("decoding work order: %w", err)
	}
	return &wo, nil
}

// Encode converts a WorkOrder into its DynamoDB item form.
func Encode(wo *WorkOrder) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(wo)
	if err != nil {
		return nil, fmt.Errorf("encoding work order %s: %w", wo.ID, err)
	}
	return item, nil
}

// NormalizeItem walks an item and unwraps double-encoded scalars: a map
// value holding exactly one of {"S": ...}, {"N": ...}, {"BOOL": ...} or
// {"NULL": true} whose inner value matches the tag becomes that scalar.
func NormalizeItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue normalizes a single attribute value; see NormalizeItem.
func NormalizeValue(v types.AttributeValue) types.AttributeValue {
	switch av := v.(type) {
	case *types.AttributeValueMemberM:
		if inner, ok := unwrapScalar(av.Value); ok {
			return inner
		}
		return &types.AttributeValueMemberM{Value: NormalizeItem(av.Value)}
	case *types.AttributeValueMemberL:
		items := make([]types.AttributeValue, len(av.Value))
		for i, e := range av.Value {
			items[i] = NormalizeValue(e)
		}
		return &types.AttributeValueMemberL{Value: items}
	default:
		return v
	}
}

// unwrapScalar reports whether m is a typed wrapper around a scalar and
// returns the scalar. The tag key must match the inner value's type so a
// legitimate single-entry map keyed "S"/"N"/"BOOL"/"NULL" with a
// non-matching value is left alone.
func unwrapScalar(m map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if len(m) != 1 {
		return nil, false
	}
	for key, inner := range m {
		switch key {
		case "S":
			if s, ok := inner.(*types.AttributeValueMemberS); ok {
				return s, true
			}
		case "N":
			if n, ok := inner.(*types.AttributeValueMemberN); ok {
				return n, true
			}
		case "BOOL":
			if b, ok := inner.(*types.AttributeValueMemberBOOL); ok {
				return b, true
			}
		case "NULL":
			if n, ok := inner.(*types.AttributeValueMemberNULL); ok {
				return n, true
			}
		}
	}
	return nil, false
}
