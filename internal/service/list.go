package service

import (
	"context"
	"strings"

	"chatconsole/internal/domain"
	"chatconsole/internal/store"
)

type ListRequest struct {
	// Status "" or "all" lists every status.
	Status string
	// GroupIDs is used when GroupFilterSet. Otherwise the agent's persisted filter applies.
	GroupIDs       []int64
	GroupFilterSet bool
	Page           int
}

type ConversationPage struct {
	Items        []domain.ConversationSummary `json:"items"`
	Page         int                          `json:"page"`
	PageSize     int                          `json:"page_size"`
	Total        int                          `json:"total"`
	HasNext      bool                         `json:"has_next"`
	StatusFilter string                       `json:"status_filter"`
	GroupFilter  []int64                      `json:"group_filter"`
}

func (s *ChatService) ListConversations(ctx context.Context, agent domain.Agent, req ListRequest) (ConversationPage, error) {
	var status domain.Status
	if raw := strings.TrimSpace(req.Status); raw != "" && !strings.EqualFold(raw, "all") {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return ConversationPage{}, err
		}
		status = st
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	groups, err := s.groupFilter(ctx, agent, req.GroupIDs, req.GroupFilterSet)
	if err != nil {
		return ConversationPage{}, err
	}

	size := s.pageSize()
	rows, total, err := s.Store.Conversations().List(ctx, store.ListFilter{
		Status:   status,
		GroupIDs: groups,
		Limit:    size,
		Offset:   (page - 1) * size,
	})
	if err != nil {
		return ConversationPage{}, err
	}
	items, err := s.summarize(ctx, rows)
	if err != nil {
		return ConversationPage{}, err
	}

	statusFilter := string(status)
	if statusFilter == "" {
		statusFilter = "all"
	}
	return ConversationPage{
		Items:        items,
		Page:         page,
		PageSize:     size,
		Total:        total,
		HasNext:      page*size < total,
		StatusFilter: statusFilter,
		GroupFilter:  groups,
	}, nil
}

// SearchConversations matches nickname, phone, profile name or external id within the agent's filter.
func (s *ChatService) SearchConversations(ctx context.Context, agent domain.Agent, term string) ([]domain.ConversationSummary, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []domain.ConversationSummary{}, nil
	}
	groups, err := s.groupFilter(ctx, agent, nil, false)
	if err != nil {
		return nil, err
	}
	rows, err := s.Store.Conversations().Search(ctx, term, groups, searchLimit)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, rows)
}

// summarize builds list summaries with one batched unread-count query and one batched tag query.
func (s *ChatService) summarize(ctx context.Context, rows []store.ConversationRow) ([]domain.ConversationSummary, error) {
	items := make([]domain.ConversationSummary, 0, len(rows))
	if len(rows) == 0 {
		return items, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Customer.ID)
	}
	counts, err := s.Store.Conversations().UnreadCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	tags, err := s.Store.Conversations().TagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sum := domain.BuildSummary(r.Account, r.Customer, tags[r.Customer.ID], r.Latest)
		sum.UnreadCount = counts[r.Customer.ID]
		items = append(items, sum)
	}
	return items, nil
}

func (s *ChatService) groupFilter(ctx context.Context, agent domain.Agent, explicit []int64, set bool) ([]int64, error) {
	if set || s.Filters == nil {
		return explicit, nil
	}
	return s.Filters.Get(ctx, agent.ID)
}

// SetActiveGroups persists the agent's filter. Live sessions pick it up on their next update or reconnect.
// SetActiveGroups persists the agent's filter and moves their open sessions onto it, so the list
// and the live updates agree without a reconnect.
func (s *ChatService) SetActiveGroups(ctx context.Context, agent domain.Agent, groupIDs []int64) ([]int64, error) {
	out := groupIDs
	if s.Filters != nil {
		if err := s.Filters.Set(ctx, agent.ID, groupIDs); err != nil {
			return nil, err
		}
		stored, err := s.Filters.Get(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		out = stored
	}
	if out == nil {
		out = []int64{}
	}
	if s.Rooms != nil {
		n := s.Rooms.ReplaceAgent(agent.ID, out)
		s.Log.DebugContext(ctx, "active groups replaced", "agent_id", agent.ID, "group_ids", out, "sessions", n)
	}
	return out, nil
}

func (s *ChatService) ActiveGroups(ctx context.Context, agent domain.Agent) ([]int64, error) {
	return s.groupFilter(ctx, agent, nil, false)
}

func (s *ChatService) Groups(ctx context.Context) ([]domain.Group, error) {
	return s.Store.Groups().List(ctx)
}

func (s *ChatService) Agent(ctx context.Context, id int64) (domain.Agent, bool, error) {
	return s.Store.Agents().ByID(ctx, id)
}
