// internal/services/mongo_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/utils"
)

// 文档存储集合名，自然键上有唯一索引
const (
	CollectionUsers             = "sos_users"
	CollectionScenarioTemplates = "sos_scenario_templates"
	CollectionSystemPrompts     = "sos_system_prompts"
	CollectionGameSessions      = "sos_game_sessions"
)

// MongoService 可选的文档存储
// 作为场景模板的缓存/备用来源，核心引擎不依赖它
type MongoService struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoService 连接文档存储并准备集合
// uri 为空时返回 (nil, nil)：未配置不是错误
func NewMongoService(ctx context.Context, uri, databaseName string) (*MongoService, error) {
	if uri == "" {
		return nil, nil
	}

	if databaseName == "" {
		databaseName = "storyos"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, apperrors.NewProcessingError("文档存储连接失败", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, apperrors.NewProcessingError("文档存储不可达", err)
	}

	service := &MongoService{
		client:   client,
		database: client.Database(databaseName),
	}

	if err := service.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	utils.GetLogger().Info("文档存储已连接", map[string]interface{}{
		"database": databaseName,
	})

	return service, nil
}

// ensureIndexes 在四个集合的自然键上建立唯一索引
func (s *MongoService) ensureIndexes(ctx context.Context) error {
	indexes := map[string]string{
		CollectionUsers:             "username",
		CollectionScenarioTemplates: "id",
		CollectionSystemPrompts:     "name",
		CollectionGameSessions:      "session_id",
	}

	for collection, key := range indexes {
		_, err := s.database.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return apperrors.NewProcessingError(
				fmt.Sprintf("集合 %s 索引创建失败", collection), err)
		}
	}

	return nil
}

// SeedScenarioTemplates 将本地场景上插到模板集合
func (s *MongoService) SeedScenarioTemplates(ctx context.Context, scenarios []*models.Scenario) error {
	collection := s.database.Collection(CollectionScenarioTemplates)

	for _, scenario := range scenarios {
		filter := bson.M{"id": scenario.ID}
		update := bson.M{"$set": scenario}

		_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err != nil {
			return apperrors.NewProcessingError(
				fmt.Sprintf("场景模板 %s 写入失败", scenario.ID), err)
		}
	}

	utils.GetLogger().Info("场景模板已同步到文档存储", map[string]interface{}{
		"count": len(scenarios),
	})

	return nil
}

// SeedSystemPrompt 写入命名的系统提示词
func (s *MongoService) SeedSystemPrompt(ctx context.Context, name, content string) error {
	collection := s.database.Collection(CollectionSystemPrompts)

	filter := bson.M{"name": name}
	update := bson.M{"$set": bson.M{
		"name":       name,
		"content":    content,
		"updated_at": time.Now().Format(time.RFC3339),
	}}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return apperrors.NewProcessingError("系统提示词写入失败", err)
	}
	return nil
}

// GetSystemPrompt 按名称读取系统提示词
func (s *MongoService) GetSystemPrompt(ctx context.Context, name string) (string, error) {
	var doc struct {
		Content string `bson:"content"`
	}

	err := s.database.Collection(CollectionSystemPrompts).
		FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("系统提示词不存在: %s", name), nil)
	}
	if err != nil {
		return "", apperrors.NewProcessingError("系统提示词读取失败", err)
	}

	return doc.Content, nil
}

// ListScenarioTemplates 从文档存储列出场景模板
func (s *MongoService) ListScenarioTemplates(ctx context.Context) ([]*models.Scenario, error) {
	cursor, err := s.database.Collection(CollectionScenarioTemplates).Find(ctx, bson.M{})
	if err != nil {
		return nil, apperrors.NewProcessingError("场景模板查询失败", err)
	}
	defer cursor.Close(ctx)

	var scenarios []*models.Scenario
	for cursor.Next(ctx) {
		var scenario models.Scenario
		if err := cursor.Decode(&scenario); err != nil {
			utils.GetLogger().Warn("场景模板解码失败，已跳过", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		scenarios = append(scenarios, &scenario)
	}

	return scenarios, cursor.Err()
}

// UpsertGameSession 上插会话文档
func (s *MongoService) UpsertGameSession(ctx context.Context, session *models.GameSession) error {
	collection := s.database.Collection(CollectionGameSessions)

	filter := bson.M{"session_id": session.SessionID}
	update := bson.M{"$set": session}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return apperrors.NewProcessingError("会话文档写入失败", err)
	}
	return nil
}

// EnsureUser 按用户名建档，已存在时不改动
func (s *MongoService) EnsureUser(ctx context.Context, username string) error {
	collection := s.database.Collection(CollectionUsers)

	filter := bson.M{"username": username}
	update := bson.M{"$setOnInsert": bson.M{
		"username":   username,
		"created_at": time.Now().Format(time.RFC3339),
	}}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return apperrors.NewProcessingError("用户建档失败", err)
	}
	return nil
}

// Close 断开文档存储连接
func (s *MongoService) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
