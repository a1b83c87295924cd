package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/channels"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/convstate"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/identity"
	"github.com/parley/parley/internal/metadata"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/session/store"
)

// startMediation hands an unanswered question to a human expert: the
// asker's session starts waiting, the asker's conversation slot records
// who was contacted, the expert gets a session of their own bound to the
// asker, and the question lands in the expert's chat. Each step is
// independent; a failed one is logged and the rest still run, since a
// partially started mediation is recoverable (the reminder sweep and the
// expert's own reply both tolerate missing pieces).
func (o *Orchestrator) startMediation(ctx context.Context, log *logger.Logger, msg *channels.InboundMessage, asker *session.Session, meta *metadata.TurnMetadata) {
	now := o.now()
	expert, ok := o.resolveExpert(meta, asker.UserID)
	if !ok {
		log.Warn("expert routing requested but nobody covers the domain",
			zap.String("domain", meta.Domain))
		return
	}
	question := strings.TrimSpace(meta.OriginalQuestion)
	if question == "" {
		question = asker.Summary.OriginalQuestion
	}
	if question == "" {
		question = msg.Content
	}

	if _, err := o.casTransition(ctx, asker.ID, func(cur *session.Session) error {
		cur.Status = session.StatusWaitingExpert
		if cur.Domain == "" {
			cur.Domain = meta.Domain
		}
		cur.Touch(now)
		return nil
	}); err != nil {
		log.Error("asker session wait transition failed",
			zap.Error(err), zap.String("session_id", asker.ID))
	}

	if _, err := o.conv.Update(ctx, asker.UserID, func(c *convstate.Context) error {
		c.State = convstate.StateWaitingExpert
		c.UserQuestion = question
		c.Domain = meta.Domain
		c.ExpertUserID = expert.UserID
		c.ExpertName = expert.Name
		c.ContactedAt = now
		c.RemindedAt = time.Time{}
		c.ExpertReply = ""
		return nil
	}); err != nil {
		log.Error("conversation slot update failed", zap.Error(err))
	}

	es := session.New(expert.UserID, session.RoleExpert, question, now)
	es.RelatedUserID = asker.UserID
	es.Domain = meta.Domain
	es.Status = session.StatusWaitingExpert
	if err := o.sessions.Create(ctx, es); err != nil {
		log.Error("expert session create failed",
			zap.Error(err), zap.String("expert_user_id", expert.UserID))
	} else {
		o.publish(ctx, events.SessionCreated, map[string]any{
			"user_id":    es.UserID,
			"session_id": es.ID,
			"role":       string(es.Role),
		})
	}

	contact := expertContactMessage(o.ident.DisplayName(asker.UserID), meta.Domain, question)
	if err := o.sender.Push(ctx, msg.User.Channel, expert.UserID, contact, channels.KindMarkdown); err != nil {
		log.Error("expert contact send failed",
			zap.Error(err), zap.String("expert_user_id", expert.UserID))
	}

	log.Info("expert contacted",
		zap.String("expert_user_id", expert.UserID),
		zap.String("domain", meta.Domain))
	o.publish(ctx, events.ExpertContacted, map[string]any{
		"user_id":        asker.UserID,
		"expert_user_id": expert.UserID,
		"domain":         meta.Domain,
		"session_id":     es.ID,
	})
}

// resolveExpert picks who answers: the agent's explicit nomination when it
// names someone other than the asker, else the first directory expert
// covering the domain. The nomination is trusted even when the directory
// does not know the id, since the knowledge base may be fresher than the
// snapshot.
func (o *Orchestrator) resolveExpert(meta *metadata.TurnMetadata, askerID string) (identity.Record, bool) {
	if meta.ExpertUserID != "" && meta.ExpertUserID != askerID {
		if rec, ok := o.ident.Lookup(meta.ExpertUserID); ok {
			return rec, true
		}
		return identity.Record{UserID: meta.ExpertUserID, Name: meta.ExpertName, IsExpert: true}, true
	}
	for _, rec := range o.ident.ExpertsFor(meta.Domain) {
		if rec.UserID != askerID {
			return rec, true
		}
	}
	return identity.Record{}, false
}

// completeMediation runs after an expert's turn resolved their session:
// the waiting asker gets the expert's words relayed verbatim with
// attribution, the asker's own session resolves, and the exchange is
// captured as an FAQ entry.
func (o *Orchestrator) completeMediation(ctx context.Context, log *logger.Logger, msg *channels.InboundMessage, es *session.Session) {
	askerID := es.RelatedUserID
	slot, err := o.conv.Get(ctx, askerID)
	if err != nil || slot.State != convstate.StateWaitingExpert || slot.ExpertUserID != es.UserID {
		// The session and the slot can drift apart (slot reclaimed,
		// asker re-asked elsewhere). Fall back to whoever has been
		// waiting on this expert the longest.
		slot, err = o.conv.FindPendingForExpert(ctx, es.UserID)
		if err != nil {
			slot = nil
		} else {
			askerID = slot.UserID
		}
	}
	if askerID == "" {
		log.Warn("expert reply had no waiting asker", zap.String("expert_user_id", es.UserID))
		return
	}

	reply := strings.TrimSpace(msg.Content)
	expertName := o.ident.DisplayName(es.UserID)

	if slot != nil {
		if _, err := o.conv.Update(ctx, askerID, func(c *convstate.Context) error {
			c.State = convstate.StateCompleted
			c.ExpertReply = reply
			return nil
		}); err != nil {
			log.Error("conversation slot completion failed", zap.Error(err))
		}
	}

	channel := msg.User.Channel
	if slot != nil && slot.Channel != "" {
		channel = slot.Channel
	}
	relay := fmt.Sprintf("%s answered your question:\n\n%s", expertName, reply)
	if err := o.sender.Push(ctx, channel, askerID, relay, channels.KindMarkdown); err != nil {
		log.Error("relay to asker failed", zap.Error(err), zap.String("user_id", askerID))
	}

	o.resolveWaitingSession(ctx, log, askerID, reply)

	question := ""
	domain := es.Domain
	if slot != nil {
		question = slot.UserQuestion
		if slot.Domain != "" {
			domain = slot.Domain
		}
	}
	if question == "" {
		question = es.Summary.OriginalQuestion
	}
	if o.faqs != nil && question != "" && reply != "" {
		if entry, err := o.faqs.Capture(ctx, question, reply, domain, expertName); err != nil {
			log.Error("faq capture failed", zap.Error(err))
		} else {
			o.publish(ctx, events.FAQCaptured, map[string]any{
				"faq_id": entry.ID,
				"domain": domain,
			})
		}
	}

	log.Info("expert mediation completed",
		zap.String("expert_user_id", es.UserID),
		zap.String("user_id", askerID))
	o.publish(ctx, events.ExpertResolved, map[string]any{
		"user_id":        askerID,
		"expert_user_id": es.UserID,
		"session_id":     es.ID,
	})
}

// resolveWaitingSession closes the asker's newest waiting session with the
// expert's answer as the final exchange.
func (o *Orchestrator) resolveWaitingSession(ctx context.Context, log *logger.Logger, askerID, reply string) {
	view, err := o.sessions.QueryByUser(ctx, askerID, store.QueryOptions{})
	if err != nil {
		log.Warn("asker session query failed", zap.Error(err), zap.String("user_id", askerID))
		return
	}
	for _, cand := range view.AsUser {
		if cand.Status != session.StatusWaitingExpert {
			continue
		}
		now := o.now()
		if _, err := o.casTransition(ctx, cand.ID, func(cur *session.Session) error {
			cur.Summary.RecordExchange(session.NewSnapshot(reply, session.SnapshotRoleExpert, now))
			cur.Summary.LastUpdated = now
			cur.MessageCount++
			cur.Resolve(now)
			return nil
		}); err != nil {
			log.Warn("asker session resolve failed",
				zap.Error(err), zap.String("session_id", cand.ID))
			return
		}
		o.publish(ctx, events.SessionResolved, map[string]any{
			"user_id":    askerID,
			"session_id": cand.ID,
		})
		return
	}
}

// expertContactMessage is what the expert reads when a question reaches
// them.
func expertContactMessage(askerName, domain, question string) string {
	var b strings.Builder
	b.WriteString("You have a new question")
	if domain != "" {
		fmt.Fprintf(&b, " about %s", domain)
	}
	if askerName != "" {
		fmt.Fprintf(&b, " from %s", askerName)
	}
	b.WriteString(":\n\n")
	b.WriteString(question)
	b.WriteString("\n\nReply in this chat and your answer will be relayed back.")
	return b.String()
}
