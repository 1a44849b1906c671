package extractor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/louisbranch/storycanon/internal/canon"
)

// stateSummaryLimit caps how many characters and items the prompt lists.
const stateSummaryLimit = 10

// buildSystemPrompt renders the extraction instructions with the current
// state baked in. Examples reference real entity ids from the state so
// the model mirrors them instead of inventing ids.
func buildSystemPrompt(state canon.State, turn int) string {
	summary := formatStateSummary(state)

	playerID := state.Player.ID
	playerLocation := state.Player.LocationID
	exampleCharID := firstSortedKey(state.Entities.Characters, "caocao")
	exampleItemID := firstSortedKey(state.Entities.Items, "sword_001")
	nextOrder := state.Time.Anchor.Order + 1

	var b strings.Builder
	fmt.Fprintf(&b, `你是一个事件提取器，负责从对话草稿中提取结构化事件并识别所有状态变化。

## 当前状态（Turn %d）

%s

## 核心任务

**你必须识别草稿中的所有状态变化，并在 state_patch 中准确记录！**

## 状态变化识别规则

### 1. 物品所有权变更（OWNERSHIP_CHANGE）
**识别关键词**：给、借、递、交给、获得、拾起、拿起、丢失、掉落、归还

**必须提取**：
- 物品ID（从当前状态中查找）
- 原拥有者ID
- 新拥有者ID

**state_patch 格式**：
`+"```json"+`
{
  "entity_updates": {
    "%[3]s": {
      "entity_type": "item",
      "entity_id": "%[3]s",
      "updates": {
        "owner_id": "新拥有者ID",
        "location_id": "新拥有者所在位置ID"
      }
    }
  },
  "player_updates": {
    "inventory_add": ["物品ID"]
  }
}
`+"```"+`

### 2. 角色移动（TRAVEL）
**识别关键词**：前往、到达、离开、来到、抵达、移动到、出发、返回

**必须提取**：
- 移动的角色ID
- 起始位置ID
- 目标位置ID

**state_patch 格式**：
`+"```json"+`
{
  "entity_updates": {
    "%[4]s": {
      "entity_type": "character",
      "entity_id": "%[4]s",
      "updates": {
        "location_id": "目标位置ID"
      }
    }
  },
  "player_updates": {
    "location_id": "目标位置ID"
  }
}
`+"```"+`

### 3. 角色死亡（DEATH）
**识别关键词**：死亡、被杀、战死、去世、阵亡

**state_patch 格式**：
`+"```json"+`
{
  "entity_updates": {
    "角色ID": {
      "entity_type": "character",
      "entity_id": "角色ID",
      "updates": {
        "alive": false
      }
    }
  }
}
`+"```"+`

### 4. 物品创建/获得（ITEM_CREATE）
**识别关键词**：发现、找到、获得（新物品）、拾到

**注意**：如果物品在当前状态中不存在，必须标记为 open_questions！

### 5. 时间推进（TIME_ADVANCE）
**识别关键词**：过了、之后、第二天、几日后、时间流逝

**state_patch 格式**：
`+"```json"+`
{
  "time_update": {
    "calendar": "新的日历时间",
    "anchor": {
      "label": "新的时间标签",
      "order": 当前order + 1
    }
  }
}
`+"```"+`

## 关键格式要求

### state_patch.entity_updates 格式（重要！）
**必须是对象（字典），不是数组！**

**常见更新字段**：
- character: location_id, alive, faction_id, metadata
- item: owner_id, location_id, metadata
- location: name, metadata
- faction: name, leader_id, members, metadata

### state_patch.player_updates 格式
`+"```json"+`
{
  "location_id": "新位置ID",
  "inventory_add": ["item_id1"],
  "inventory_remove": ["item_id1"],
  "party_add": ["char_id1"],
  "party_remove": ["char_id1"]
}
`+"```"+`

## 完整示例

### 示例: 物品所有权变更
**草稿**："曹操将青釭剑递给玩家，说道：'这把剑就借给你了。'"

**正确提取**：
`+"```json"+`
{
  "events": [
    {
      "turn": %[1]d,
      "time": {"label": "%[5]s", "order": %[6]d},
      "where": {"location_id": "%[7]s"},
      "who": {"actors": ["%[4]s", "%[8]s"], "witnesses": []},
      "type": "OWNERSHIP_CHANGE",
      "summary": "曹操将青釭剑借给玩家",
      "payload": {
        "item_id": "%[3]s",
        "old_owner_id": "%[8]s",
        "new_owner_id": "%[4]s"
      },
      "state_patch": {
        "entity_updates": {
          "%[3]s": {
            "entity_type": "item",
            "entity_id": "%[3]s",
            "updates": {
              "owner_id": "%[4]s",
              "location_id": "%[7]s"
            }
          }
        },
        "player_updates": {
          "inventory_add": ["%[3]s"]
        }
      },
      "evidence": {"source": "draft_turn_%[1]d", "text_span": null},
      "confidence": 1.0
    }
  ],
  "open_questions": []
}
`+"```"+`

## 重要规则

1. **任何状态变化必须写入 state_patch**
   - 如果草稿中描述了状态变化，但没有写入 state_patch，这是错误的！

2. **不可凭空出现物品/复活/瞬移**
   - 如果物品不存在 → open_questions
   - 如果死亡角色行动 → open_questions
   - 如果位置改变但没有移动描述 → open_questions

3. **事件类型必须准确**
   - OWNERSHIP_CHANGE: 物品所有权变更
   - TRAVEL: 角色移动（必须有明确的移动描述）
   - DEATH: 角色死亡
   - REVIVAL: 角色复活
   - FACTION_CHANGE: 阵营变更
   - ITEM_CREATE/ITEM_DESTROY: 物品创建/销毁
   - TIME_ADVANCE: 时间推进
   - OTHER: 其他事件（没有明显状态变化时使用）

4. **必须输出至少 1 个事件**

## 必须调用 extract_events 函数

**重要**：你必须调用 extract_events 函数来返回结果，不要输出任何其他内容！
`,
		turn, summary, exampleItemID, playerID, state.Time.Calendar, nextOrder, playerLocation, exampleCharID)
	return b.String()
}

// buildUserPrompt wraps the conversation turn with extraction directives.
func buildUserPrompt(userMessage, assistantDraft string) string {
	return fmt.Sprintf(`请从以下对话中提取事件，**必须调用 extract_events 函数返回结果**：

## 用户消息
%s

## 助手草稿
%s

## 提取要求

1. **仔细分析草稿，识别所有状态变化**：
   - 物品所有权是否改变？（给、借、递等关键词）
   - 角色位置是否改变？（前往、到达、离开等关键词）
   - 角色生死状态是否改变？（死亡、复活等关键词）
   - 时间是否推进？（过了、之后等关键词）

2. **对于每个状态变化，必须写入 state_patch**

3. **如果检测到需要澄清的情况，在 open_questions 中列出**：
   - 物品不存在
   - 死亡角色行动
   - 位置改变但没有明确移动描述

4. **至少输出 1 个事件**（即使没有明显状态变化，也要创建 OTHER 类型事件）

**重要：必须调用 extract_events 函数，不要输出任何其他内容！**
`, userMessage, assistantDraft)
}

// Retry reminders appended when the first attempt fails.
const (
	toolRetryReminder = "⚠️ 重要：上次调用失败。请务必调用 extract_events 函数来返回结果，不要输出其他内容。"
	jsonRetryReminder = `⚠️ 重要：上次解析失败。请严格按照以下要求：

1. **只输出 JSON，不要输出任何其他文字、解释或说明**
2. 输出必须是纯 JSON 格式
3. 每个事件必须包含所有必需字段：turn, time, where, who, type, summary, payload, state_patch, evidence, confidence
4. state_patch.entity_updates 必须是对象（字典），键为实体ID
5. 不要输出任何 markdown、代码块标记或其他格式`
)

// formatStateSummary renders the compact state digest embedded in the
// system prompt. Characters and items are listed in id order, capped.
func formatStateSummary(state canon.State) string {
	var lines []string

	lines = append(lines, fmt.Sprintf("时间: %s (order: %d)", state.Time.Calendar, state.Time.Anchor.Order))

	lines = append(lines, fmt.Sprintf("\n玩家: %s @ %s", state.Player.Name, state.Player.LocationID))
	if len(state.Player.Party) > 0 {
		lines = append(lines, fmt.Sprintf("  队伍: %s", strings.Join(state.Player.Party, ", ")))
	}
	if len(state.Player.Inventory) > 0 {
		lines = append(lines, fmt.Sprintf("  物品: %s", strings.Join(state.Player.Inventory, ", ")))
	}

	lines = append(lines, "\n关键角色:")
	for i, charID := range sortedIDs(state.Entities.Characters) {
		if i >= stateSummaryLimit {
			break
		}
		char := state.Entities.Characters[charID]
		status := "存活"
		if !char.Alive {
			status = "死亡"
		}
		locationName := char.LocationID
		if loc, ok := state.Entities.Locations[char.LocationID]; ok {
			locationName = loc.Name
		}
		lines = append(lines, fmt.Sprintf("  - %s (%s): %s, 位置: %s", char.Name, charID, status, locationName))
	}

	if len(state.Entities.Items) > 0 {
		lines = append(lines, "\n关键物品:")
		for i, itemID := range sortedIDs(state.Entities.Items) {
			if i >= stateSummaryLimit {
				break
			}
			item := state.Entities.Items[itemID]
			ownerInfo := fmt.Sprintf("位置: %s", item.LocationID)
			if item.OwnerID != "" {
				ownerInfo = fmt.Sprintf("拥有者: %s", item.OwnerID)
			}
			lines = append(lines, fmt.Sprintf("  - %s (%s): %s", item.Name, itemID, ownerInfo))
		}
	}

	if len(state.Constraints.UniqueItemIDs) > 0 {
		lines = append(lines, fmt.Sprintf("\n唯一物品: %s", strings.Join(state.Constraints.UniqueItemIDs, ", ")))
	}
	if len(state.Constraints.ImmutableEvents) > 0 {
		lines = append(lines, fmt.Sprintf("不可变事件: %d 个", len(state.Constraints.ImmutableEvents)))
	}

	return strings.Join(lines, "\n")
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func firstSortedKey[V any](m map[string]V, fallback string) string {
	ids := sortedIDs(m)
	if len(ids) == 0 {
		return fallback
	}
	return ids[0]
}
