// Package ebot implements a Discord bot host, and the extensions it ships
// with.
//
// The Host owns the shared services: a Store (SQLite, Postgres or
// MongoDB), the Cooldowns, Ledger and RewardEngine built on it, a
// Scheduler for recurring tasks, the SessionTable for per-user
// conversations, and the Gateway used to talk to discord. Features are
// implemented as extensions, which the Registry can load, unload and
// reload at runtime without restarting the bot.
//
// Key components of the package include:
//
//   - Host: Wires the services together and runs the bot.
//   - Discord: The discordgo-backed Connection.
//   - Dispatcher: Routes messages and slash commands to extension handlers.
//   - Registry: Extension lifecycle.
//   - Scheduler: Cron-backed recurring tasks, owned by extensions.
//   - API: Admin HTTP API, for status, extensions, tasks and leaderboards.
//
// Bundled extensions:
//
//   - admin: `@bot manage logging|extensions ...`, for bot owners.
//   - taco: Mention users followed by the reward emoji to thank them.
//     `/leaderboard` shows who has the most.
//   - doctor: A therapist to talk to in direct messages.
//   - birthday: `/birthday`, with a daily post of the day's birthdays.
//   - dracula: A daily excerpt of Dracula, on the day it happened.
//   - presence: Rotates the bot's custom status.
package ebot
