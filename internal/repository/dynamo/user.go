package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/dtroode/userdir-server/internal/config"
	"github.com/dtroode/userdir-server/internal/model"
)

const (
	constraintSK           = "CONSTRAINT"
	emailConstraintPrefix  = "user#email#"
	conditionalCheckFailed = "ConditionalCheckFailed"
)

var _ model.UserStore = (*UserRepository)(nil)

// userItem is the stored shape of a record. The *_lc attributes hold
// lowercased copies for case-insensitive search filters.
type userItem struct {
	ID        string    `dynamodbav:"id"`
	Email     string    `dynamodbav:"email"`
	Name      string    `dynamodbav:"name"`
	NameLC    string    `dynamodbav:"name_lc"`
	Address   string    `dynamodbav:"address"`
	AddressLC string    `dynamodbav:"address_lc"`
	Age       *int      `dynamodbav:"age,omitempty"`
	Version   int64     `dynamodbav:"version"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

func (i *userItem) syncSearchFields() {
	i.NameLC = strings.ToLower(i.Name)
	i.AddressLC = strings.ToLower(i.Address)
}

func (i userItem) toModel() model.User {
	u := model.User{
		ID:        i.ID,
		Name:      i.Name,
		Email:     i.Email,
		Address:   i.Address,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
	if i.Age != nil {
		age := *i.Age
		u.Age = &age
	}
	return u
}

type assignment struct {
	attr  string
	value any
}

type constraintItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	UserID string `dynamodbav:"user_id"`
}

type UserRepository struct {
	api         API
	usersTable  string
	uniqueTable string
	now         func() time.Time
}

func NewUserRepository(api API, cfg config.DynamoDB) *UserRepository {
	return &UserRepository{
		api:         api,
		usersTable:  cfg.UsersTable,
		uniqueTable: cfg.UniqueTable,
		now:         time.Now,
	}
}

func (r *UserRepository) FindPage(ctx context.Context, filter model.UserFilter, page, limit int) ([]model.User, int64, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(r.usersTable),
		ConsistentRead: aws.Bool(true),
	}
	if filter.Search != "" {
		input.FilterExpression = aws.String("contains(#name_lc, :term) OR contains(#email, :term) OR contains(#address_lc, :term)")
		input.ExpressionAttributeNames = map[string]string{
			"#name_lc":    "name_lc",
			"#email":      "email",
			"#address_lc": "address_lc",
		}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":term": &types.AttributeValueMemberS{Value: strings.ToLower(filter.Search)},
		}
	}

	var users []model.User
	paginator := dynamodb.NewScanPaginator(r.api, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan users: %w", err)
		}

		var items []userItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal users: %w", err)
		}
		for _, item := range items {
			users = append(users, item.toModel())
		}
	}

	return model.Page(users, page, limit), int64(len(users)), nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (model.User, error) {
	item, err := r.getItem(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	return item.toModel(), nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string, excludeID string) (model.User, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.uniqueTable),
		Key:            emailConstraintKey(email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return model.User{}, fmt.Errorf("failed to get email constraint: %w", err)
	}
	if len(out.Item) == 0 {
		return model.User{}, model.ErrNotFound
	}

	var constraint constraintItem
	if err := attributevalue.UnmarshalMap(out.Item, &constraint); err != nil {
		return model.User{}, fmt.Errorf("failed to unmarshal email constraint: %w", err)
	}
	if constraint.UserID == excludeID {
		return model.User{}, model.ErrNotFound
	}

	item, err := r.getItem(ctx, constraint.UserID)
	if err != nil {
		return model.User{}, err
	}
	return item.toModel(), nil
}

func (r *UserRepository) Insert(ctx context.Context, fields model.UserFields) (model.User, error) {
	if fields.Email == "" {
		return model.User{}, model.ErrInvalidInput
	}

	now := r.now().UTC()
	item := userItem{
		ID:        uuid.NewString(),
		Email:     fields.Email,
		Name:      fields.Name,
		Address:   fields.Address,
		Age:       fields.Age,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item.syncSearchFields()

	userAV, err := attributevalue.MarshalMap(item)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to marshal user: %w", err)
	}
	constraintPut, err := r.emailConstraintPut(item.Email, item.ID)
	if err != nil {
		return model.User{}, err
	}

	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: constraintPut},
			{Put: &types.Put{
				TableName:           aws.String(r.usersTable),
				Item:                userAV,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
		},
	})
	if err != nil {
		return model.User{}, mapTransactionError(err, "failed to insert user", 1)
	}

	return item.toModel(), nil
}

func (r *UserRepository) UpdateByID(ctx context.Context, id string, patch model.UserPatch) (model.User, error) {
	if patch.Email != nil && *patch.Email == "" {
		return model.User{}, model.ErrInvalidInput
	}

	current, err := r.getItem(ctx, id)
	if err != nil {
		return model.User{}, err
	}

	next := current
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Email != nil {
		next.Email = *patch.Email
	}
	if patch.Address != nil {
		next.Address = *patch.Address
	}
	if patch.Age != nil {
		age := *patch.Age
		next.Age = &age
	}
	next.Version = current.Version + 1
	next.UpdatedAt = r.now().UTC()
	next.syncSearchFields()

	update, err := r.recordUpdate(next, current.Version)
	if err != nil {
		return model.User{}, err
	}

	if next.Email == current.Email {
		_, err = r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 update.TableName,
			Key:                       update.Key,
			UpdateExpression:          update.UpdateExpression,
			ConditionExpression:       update.ConditionExpression,
			ExpressionAttributeNames:  update.ExpressionAttributeNames,
			ExpressionAttributeValues: update.ExpressionAttributeValues,
		})
		if err != nil {
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				return model.User{}, r.conflictOrMissing(ctx, id)
			}
			return model.User{}, fmt.Errorf("failed to update user: %w", err)
		}
		return next.toModel(), nil
	}

	constraintPut, err := r.emailConstraintPut(next.Email, id)
	if err != nil {
		return model.User{}, err
	}
	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName: aws.String(r.uniqueTable),
				Key:       emailConstraintKey(current.Email),
			}},
			{Put: constraintPut},
			{Update: update},
		},
	})
	if err != nil {
		err = mapTransactionError(err, "failed to update user", 2)
		if errors.Is(err, model.ErrConcurrentModification) {
			return model.User{}, r.conflictOrMissing(ctx, id)
		}
		return model.User{}, err
	}

	return next.toModel(), nil
}

func (r *UserRepository) DeleteByID(ctx context.Context, id string) (model.User, error) {
	current, err := r.getItem(ctx, id)
	if err != nil {
		return model.User{}, err
	}

	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName:           aws.String(r.usersTable),
				Key:                 userKey(id),
				ConditionExpression: aws.String("#version = :expected_version"),
				ExpressionAttributeNames: map[string]string{
					"#version": "version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
				},
			}},
			{Delete: &types.Delete{
				TableName: aws.String(r.uniqueTable),
				Key:       emailConstraintKey(current.Email),
			}},
		},
	})
	if err != nil {
		err = mapTransactionError(err, "failed to delete user", 0)
		if errors.Is(err, model.ErrConcurrentModification) {
			return model.User{}, r.conflictOrMissing(ctx, id)
		}
		return model.User{}, err
	}

	return current.toModel(), nil
}

func (r *UserRepository) Ping(ctx context.Context) error {
	_, err := r.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.usersTable),
	})
	if err != nil {
		return fmt.Errorf("failed to describe users table: %w", err)
	}
	return nil
}

func (r *UserRepository) getItem(ctx context.Context, id string) (userItem, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.usersTable),
		Key:            userKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return userItem{}, fmt.Errorf("failed to get user: %w", err)
	}
	if len(out.Item) == 0 {
		return userItem{}, model.ErrNotFound
	}

	var item userItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return userItem{}, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return item, nil
}

// conflictOrMissing tells a record deleted since it was read apart from one
// written concurrently.
func (r *UserRepository) conflictOrMissing(ctx context.Context, id string) error {
	if _, err := r.getItem(ctx, id); err != nil {
		return err
	}
	return model.ErrConcurrentModification
}

func (r *UserRepository) emailConstraintPut(email, userID string) (*types.Put, error) {
	av, err := attributevalue.MarshalMap(constraintItem{
		PK:     emailConstraintPrefix + email,
		SK:     constraintSK,
		UserID: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email constraint: %w", err)
	}

	return &types.Put{
		TableName:           aws.String(r.uniqueTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	}, nil
}

// recordUpdate rewrites every mutable attribute of the record, guarded by the
// version it was read at.
func (r *UserRepository) recordUpdate(next userItem, expectedVersion int64) (*types.Update, error) {
	assignments := []assignment{
		{"name", next.Name},
		{"name_lc", next.NameLC},
		{"email", next.Email},
		{"address", next.Address},
		{"address_lc", next.AddressLC},
		{"updated_at", next.UpdatedAt},
		{"version", next.Version},
	}
	if next.Age != nil {
		assignments = append(assignments, assignment{"age", *next.Age})
	}

	names := map[string]string{}
	values := map[string]types.AttributeValue{
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
	}
	clauses := make([]string, 0, len(assignments))
	for _, a := range assignments {
		av, err := attributevalue.Marshal(a.value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", a.attr, err)
		}
		names["#"+a.attr] = a.attr
		values[":"+a.attr] = av
		clauses = append(clauses, fmt.Sprintf("#%s = :%s", a.attr, a.attr))
	}

	return &types.Update{
		TableName:                 aws.String(r.usersTable),
		Key:                       userKey(next.ID),
		UpdateExpression:          aws.String("SET " + strings.Join(clauses, ", ")),
		ConditionExpression:       aws.String("#version = :expected_version"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}, nil
}

// mapTransactionError maps a cancelled transaction to a store error. A failed
// condition on recordIndex means the record changed underneath us; any other
// failed condition is an email constraint.
func mapTransactionError(err error, msg string, recordIndex int) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if aws.ToString(reason.Code) != conditionalCheckFailed {
				continue
			}
			if i == recordIndex {
				return model.ErrConcurrentModification
			}
			return model.ErrDuplicateEmail
		}
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func userKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func emailConstraintKey(email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: emailConstraintPrefix + email},
		"sk": &types.AttributeValueMemberS{Value: constraintSK},
	}
}
