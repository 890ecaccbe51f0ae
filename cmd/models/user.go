package models

import (
	"gorm.io/gorm"
)

const (
	RoleMentor  = "mentor"
	RoleLearner = "learner"
)

// User is the identity record the scheduling core reads for calendar
// attendees and email recipients. Accounts and credentials live in the
// identity service; this table only mirrors what scheduling needs.
type User struct {
	gorm.Model
	FullName string `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email    string `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	Role     string `gorm:"column:role;size:20;not null;index" json:"role"`
}

// Actor identifies who is performing a scheduling operation. The role tag
// decides authorization branches instead of duck-typing a string on the
// request path.
type Actor struct {
	ID   uint   `json:"id"`
	Role string `json:"role"`
}

func MentorActor(id uint) Actor {
	return Actor{ID: id, Role: RoleMentor}
}

func LearnerActor(id uint) Actor {
	return Actor{ID: id, Role: RoleLearner}
}

func (a Actor) IsMentor() bool {
	return a.Role == RoleMentor
}

func (a Actor) IsLearner() bool {
	return a.Role == RoleLearner
}
